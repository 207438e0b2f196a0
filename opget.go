package htab

// Get returns the first value stored under key. A missing key is reported
// as found=false with a nil error.
func (r *Registry) Get(h Handle, key []byte) (value []byte, found bool, err error) {
	m, err := r.lookup(h)
	if err != nil {
		return nil, false, tableErr(h, "", "get", key, err)
	}
	v, err := m.et.Get(key)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, r.fail(h, "get", key, err)
	}
	return v, true, nil
}

func (r *Registry) GetString(h Handle, key string) ([]byte, bool, error) {
	return r.Get(h, []byte(key))
}

// Exists reports whether key has at least one value.
func (r *Registry) Exists(h Handle, key []byte) (bool, error) {
	_, found, err := r.Get(h, key)
	return found, err
}
