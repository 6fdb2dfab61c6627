package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// EstimateRoute queries OSRM /route between points and returns distance in
// meters and duration in seconds of the first route.
func (o *OSRMClient) EstimateRoute(ctx context.Context, from, to models.Coord) (models.RouteMetrics, error) {
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}?overview=false
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.RouteMetrics{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return models.RouteMetrics{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.RouteMetrics{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.RouteMetrics{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return models.RouteMetrics{DistanceM: out.Routes[0].Distance, DurationS: out.Routes[0].Duration}, nil
}
