// Package rawfile reads per-run raw forecast rasters and normalizes them to
// the canonical (lead_index, lat, lon) layout with paired valid times.
package rawfile

import (
	"fmt"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
)

// Variable is one array read from a raw file.
type Variable struct {
	Dims   []string
	Values any // nested slices as returned by the decoder
	Attrs  map[string]any
}

// Source is an opened raw file.
type Source interface {
	Variable(name string) (*Variable, error)
	Close() error
}

// Opener opens raw files by path.
type Opener interface {
	Open(path string) (Source, error)
}

// NetCDFOpener opens NetCDF (classic and HDF5-based) files with a pure Go
// decoder.
type NetCDFOpener struct{}

// Open implements Opener.
func (NetCDFOpener) Open(path string) (Source, error) {
	g, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening netcdf %s: %w", path, err)
	}
	return &netcdfSource{group: g}, nil
}

type netcdfSource struct {
	group api.Group
}

func (s *netcdfSource) Variable(name string) (*Variable, error) {
	v, err := s.group.GetVariable(name)
	if err != nil {
		return nil, err
	}
	attrs := make(map[string]any)
	if v.Attributes != nil {
		for _, k := range v.Attributes.Keys() {
			if val, ok := v.Attributes.Get(k); ok {
				attrs[k] = val
			}
		}
	}
	return &Variable{Dims: v.Dimensions, Values: v.Values, Attrs: attrs}, nil
}

func (s *netcdfSource) Close() error {
	s.group.Close()
	return nil
}
