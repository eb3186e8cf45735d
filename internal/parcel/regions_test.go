package parcel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const regionsYAML = `
regions:
  - name: travis
    url: https://gis.traviscountytx.gov/server1/rest/services/Parcels/MapServer/0
    county: Travis
    state: TX
    extent: [-98.18, 30.02, -97.37, 30.63]
    page_size: 2000
    fields:
      parcel_id: PROP_ID
      address: situs_address
      city: situs_city
      owner: py_owner_name
  - name: texas
    url: https://feature.tnris.org/arcgis/rest/services/Parcels/stratmap_land_parcels/MapServer/0
    statewide: true
    where: "STAT_LAND_COMBINED_ADDR IS NOT NULL"
    extent: [-106.65, 25.84, -93.51, 36.5]
    fields:
      parcel_id: Prop_ID
      county: county
`

func TestParseRegions(t *testing.T) {
	regions, err := ParseRegions([]byte(regionsYAML))
	require.NoError(t, err)
	require.Len(t, regions, 2)

	travis := regions[0]
	assert.Equal(t, "travis", travis.Name)
	assert.Equal(t, "1=1", travis.Where)
	assert.Equal(t, 2000, travis.PageSize)
	assert.False(t, travis.Statewide)
	assert.Equal(t, "PROP_ID", travis.Fields.ParcelID)
	assert.Equal(t, orb.Bound{Min: orb.Point{-98.18, 30.02}, Max: orb.Point{-97.37, 30.63}}, travis.Extent.Bound())

	texas := regions[1]
	assert.True(t, texas.Statewide)
	assert.Equal(t, DefaultPageSize, texas.PageSize)
	assert.Equal(t, "STAT_LAND_COMBINED_ADDR IS NOT NULL", texas.Where)
	assert.Equal(t, []string{"Prop_ID", "county"}, texas.Fields.names())
}

func TestParseRegions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "regions:\n  - url: http://x\n    extent: [0, 0, 1, 1]\n    fields: {parcel_id: ID}\n"},
		{"missing url", "regions:\n  - name: a\n    extent: [0, 0, 1, 1]\n    fields: {parcel_id: ID}\n"},
		{"missing parcel id", "regions:\n  - name: a\n    url: http://x\n    extent: [0, 0, 1, 1]\n"},
		{"inverted extent", "regions:\n  - name: a\n    url: http://x\n    extent: [1, 1, 0, 0]\n    fields: {parcel_id: ID}\n"},
		{"duplicate", "regions:\n  - {name: a, url: http://x, extent: [0, 0, 1, 1], fields: {parcel_id: ID}}\n  - {name: a, url: http://y, extent: [0, 0, 1, 1], fields: {parcel_id: ID}}\n"},
		{"not yaml", "regions: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegions([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadRegions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(regionsYAML), 0o644))

	regions, err := LoadRegions(path)
	require.NoError(t, err)
	assert.Len(t, regions, 2)

	_, err = LoadRegions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseBBox(t *testing.T) {
	b, err := ParseBBox("-97.9, 30.1,-97.5,30.5")
	require.NoError(t, err)
	assert.Equal(t, -97.9, b.Min[0])
	assert.Equal(t, 30.5, b.Max[1])

	for _, in := range []string{"", "1,2,3", "a,1,2,3", "-97,31,-98,30", "-190,0,10,10"} {
		_, err := ParseBBox(in)
		assert.Error(t, err, in)
	}
}
