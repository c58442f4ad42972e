package domain

import "time"

// SiteView is the read model served to map and list views: the catalog entry
// plus its live status, which is nil until the first reading arrives.
type SiteView struct {
	Site
	Status *StatusView `json:"status"`
}

// StatusView is the display form of a SiteState.
type StatusView struct {
	Tier      Tier      `json:"tier"`
	Color     string    `json:"color"`
	Count     int       `json:"count"`
	Sequence  uint64    `json:"sequence"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSiteView joins a site with its state. Pass ok=false for a site that has
// not reported yet.
func NewSiteView(site Site, state SiteState, ok bool) SiteView {
	v := SiteView{Site: site}
	if ok {
		v.Status = &StatusView{
			Tier:      state.Tier,
			Color:     state.Tier.Color(),
			Count:     state.Count,
			Sequence:  state.Sequence,
			UpdatedAt: state.UpdatedAt,
		}
	}
	return v
}
