package work

import "maps"

// Keys exchanged between the download and filter stages.
const (
	KeyURL       = "url"
	KeySelector  = "selector"
	KeyImageURI  = "image_uri"
	KeyFilterURI = "filter_uri"
	KeyErrorMsg  = "error_msg"
)

// Data is the string-keyed payload carried into and out of a work item.
type Data map[string]string

// Get returns the value for key and whether it was present.
func (d Data) Get(key string) (string, bool) {
	v, ok := d[key]
	return v, ok
}

// Clone returns an independent copy. A nil Data clones to nil.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	return maps.Clone(d)
}

// Merge returns a new Data holding d overlaid with other. Keys in other win.
func (d Data) Merge(other Data) Data {
	out := make(Data, len(d)+len(other))
	maps.Copy(out, d)
	maps.Copy(out, other)
	return out
}

// Delta returns the entries of next that are absent from or different in d.
func (d Data) Delta(next Data) Data {
	var out Data
	for k, v := range next {
		if old, ok := d[k]; ok && old == v {
			continue
		}
		if out == nil {
			out = make(Data)
		}
		out[k] = v
	}
	return out
}
