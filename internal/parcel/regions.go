package parcel

import (
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// DefaultPageSize is the records requested per ArcGIS page.
const DefaultPageSize = 1000

// FieldMap names the layer attributes holding each property column.
type FieldMap struct {
	ParcelID      string `yaml:"parcel_id"`
	Address       string `yaml:"address"`
	AddressNumber string `yaml:"address_number"`
	StreetName    string `yaml:"street_name"`
	City          string `yaml:"city"`
	Zip           string `yaml:"zip"`
	Owner         string `yaml:"owner"`
	YearBuilt     string `yaml:"year_built"`
	AssessedValue string `yaml:"assessed_value"`
	County        string `yaml:"county"`
}

// names returns the configured attribute names, for outFields.
func (m FieldMap) names() []string {
	var out []string
	for _, n := range []string{
		m.ParcelID, m.Address, m.AddressNumber, m.StreetName, m.City,
		m.Zip, m.Owner, m.YearBuilt, m.AssessedValue, m.County,
	} {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Extent is a lon/lat bounding box as [west, south, east, north].
type Extent [4]float64

// Bound returns the extent as an orb.Bound.
func (e Extent) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{e[0], e[1]}, Max: orb.Point{e[2], e[3]}}
}

// ParseBBox parses "west,south,east,north" in degrees.
func ParseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, eris.Errorf("parcel: bbox %q: want west,south,east,north", s)
	}
	var e Extent
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, eris.Wrapf(err, "parcel: bbox %q", s)
		}
		e[i] = v
	}
	if e[0] >= e[2] || e[1] >= e[3] || e[0] < -180 || e[2] > 180 || e[1] < -90 || e[3] > 90 {
		return orb.Bound{}, eris.Errorf("parcel: bbox %q out of range", s)
	}
	return e.Bound(), nil
}

// RegionConfig describes one county or statewide parcel layer.
type RegionConfig struct {
	Name      string   `yaml:"name"`
	URL       string   `yaml:"url"`
	Where     string   `yaml:"where"`
	County    string   `yaml:"county"`
	State     string   `yaml:"state"`
	Statewide bool     `yaml:"statewide"`
	Extent    Extent   `yaml:"extent"`
	PageSize  int      `yaml:"page_size"`
	Fields    FieldMap `yaml:"fields"`
}

func (r *RegionConfig) validate() error {
	if r.Name == "" {
		return eris.New("parcel: region without name")
	}
	if r.URL == "" {
		return eris.Errorf("parcel: region %s: url is required", r.Name)
	}
	if r.Fields.ParcelID == "" {
		return eris.Errorf("parcel: region %s: fields.parcel_id is required", r.Name)
	}
	if r.Extent[0] >= r.Extent[2] || r.Extent[1] >= r.Extent[3] {
		return eris.Errorf("parcel: region %s: extent must be west,south,east,north", r.Name)
	}
	return nil
}

func (r *RegionConfig) applyDefaults() {
	if r.Where == "" {
		r.Where = "1=1"
	}
	if r.PageSize <= 0 {
		r.PageSize = DefaultPageSize
	}
}

// ParseRegions decodes a regions document with a top-level "regions" list.
func ParseRegions(data []byte) ([]RegionConfig, error) {
	var wrapper struct {
		Regions []RegionConfig `yaml:"regions"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "parcel: parse regions")
	}

	seen := make(map[string]bool, len(wrapper.Regions))
	for i := range wrapper.Regions {
		r := &wrapper.Regions[i]
		if err := r.validate(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, eris.Errorf("parcel: duplicate region %s", r.Name)
		}
		seen[r.Name] = true
		r.applyDefaults()
	}
	return wrapper.Regions, nil
}

// LoadRegions reads region config from a YAML file.
func LoadRegions(path string) ([]RegionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "parcel: read regions %s", path)
	}
	return ParseRegions(data)
}

func (m FieldMap) lower() FieldMap {
	return FieldMap{
		ParcelID:      strings.ToLower(m.ParcelID),
		Address:       strings.ToLower(m.Address),
		AddressNumber: strings.ToLower(m.AddressNumber),
		StreetName:    strings.ToLower(m.StreetName),
		City:          strings.ToLower(m.City),
		Zip:           strings.ToLower(m.Zip),
		Owner:         strings.ToLower(m.Owner),
		YearBuilt:     strings.ToLower(m.YearBuilt),
		AssessedValue: strings.ToLower(m.AssessedValue),
		County:        strings.ToLower(m.County),
	}
}
