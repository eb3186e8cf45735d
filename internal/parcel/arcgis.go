package parcel

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"

	"github.com/sells-group/hailtrace/internal/fetcher"
)

// queryResponse covers the three shapes an ArcGIS layer query returns:
// a count, a feature page, or an error body with HTTP 200.
type queryResponse struct {
	Count    *int64       `json:"count"`
	Features []arcFeature `json:"features"`
	Error    *arcError    `json:"error"`
	Exceeded bool         `json:"exceededTransferLimit"`
}

type arcError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

type arcFeature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *arcGeometry   `json:"geometry"`
}

// arcGeometry is an esri point (x, y) or polygon (rings). Coordinates are
// decoded loosely so one bad feature does not fail the page.
type arcGeometry struct {
	X     any       `json:"x"`
	Y     any       `json:"y"`
	Rings [][][]any `json:"rings"`
}

// Client queries ArcGIS feature and map service layers.
type Client struct {
	fetcher fetcher.Fetcher
}

// NewClient creates an ArcGIS client on top of f.
func NewClient(f fetcher.Fetcher) *Client {
	return &Client{fetcher: f}
}

func queryURL(layerURL string, params url.Values) string {
	base := strings.TrimRight(layerURL, "/")
	if !strings.HasSuffix(base, "/query") {
		base += "/query"
	}
	return base + "?" + params.Encode()
}

func baseParams(region *RegionConfig, bbox *orb.Bound) url.Values {
	v := url.Values{}
	v.Set("where", region.Where)
	v.Set("f", "json")
	if bbox != nil {
		v.Set("geometry", fmt.Sprintf("%g,%g,%g,%g", bbox.Min[0], bbox.Min[1], bbox.Max[0], bbox.Max[1]))
		v.Set("geometryType", "esriGeometryEnvelope")
		v.Set("inSR", "4326")
		v.Set("spatialRel", "esriSpatialRelIntersects")
	}
	return v
}

func (c *Client) query(ctx context.Context, rawURL string) (*queryResponse, error) {
	body, err := c.fetcher.Download(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	resp, err := fetcher.DecodeJSONObject[queryResponse](body)
	if err != nil {
		return nil, eris.Wrap(err, "arcgis: decode response")
	}
	if resp.Error != nil {
		msg := resp.Error.Message
		if len(resp.Error.Details) > 0 {
			msg += ": " + strings.Join(resp.Error.Details, "; ")
		}
		return nil, eris.Wrap(&fetcher.UpstreamError{URL: rawURL, StatusCode: resp.Error.Code, Message: msg}, "arcgis: query")
	}
	return resp, nil
}

// Count returns the number of records matching the region filter.
func (c *Client) Count(ctx context.Context, region *RegionConfig, bbox *orb.Bound) (int64, error) {
	params := baseParams(region, bbox)
	params.Set("returnCountOnly", "true")

	resp, err := c.query(ctx, queryURL(region.URL, params))
	if err != nil {
		return 0, eris.Wrapf(err, "arcgis: count %s", region.Name)
	}
	if resp.Count == nil {
		return 0, eris.Errorf("arcgis: count %s: response has no count", region.Name)
	}
	return *resp.Count, nil
}

// Page fetches one page of features starting at offset.
func (c *Client) Page(ctx context.Context, region *RegionConfig, bbox *orb.Bound, offset int64) ([]arcFeature, error) {
	params := baseParams(region, bbox)
	outFields := "*"
	if names := region.Fields.names(); len(names) > 0 {
		outFields = strings.Join(names, ",")
	}
	params.Set("outFields", outFields)
	params.Set("returnGeometry", "true")
	params.Set("outSR", "4326")
	params.Set("resultOffset", strconv.FormatInt(offset, 10))
	params.Set("resultRecordCount", strconv.Itoa(region.PageSize))

	resp, err := c.query(ctx, queryURL(region.URL, params))
	if err != nil {
		return nil, eris.Wrapf(err, "arcgis: page %s at %d", region.Name, offset)
	}
	return resp.Features, nil
}
