package domain

import (
	"context"
	"log/slog"
)

// EnrichSiteAddress fills the site's Address from its coordinates. A nil
// geocoder, a site that already has an address, a failed lookup, or an empty
// result all leave the site unchanged (graceful degradation).
func EnrichSiteAddress(ctx context.Context, site Site, geocoder Geocoder, logger *slog.Logger) Site {
	if geocoder == nil || site.Address != "" {
		return site
	}
	if site.Latitude == 0 && site.Longitude == 0 {
		return site
	}

	result, err := geocoder.ReverseGeocode(ctx, site.Latitude, site.Longitude)
	if err != nil {
		logger.Warn("reverse geocoding failed",
			"site_id", site.ID,
			"lat", site.Latitude,
			"lon", site.Longitude,
			"error", err,
		)
		return site
	}
	if result.FormattedAddress == "" {
		return site
	}

	site.Address = result.FormattedAddress
	return site
}

// EnrichSites applies EnrichSiteAddress to every site, preserving order.
func EnrichSites(ctx context.Context, sites []Site, geocoder Geocoder, logger *slog.Logger) []Site {
	out := make([]Site, len(sites))
	for i, s := range sites {
		out[i] = EnrichSiteAddress(ctx, s, geocoder, logger)
	}
	return out
}
