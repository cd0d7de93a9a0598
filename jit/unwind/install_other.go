//go:build !(windows && amd64)

package unwind

// Install reports false: the host unwinder needs no registration here.
func (t *Table) Install() (bool, error) {
	return false, nil
}
