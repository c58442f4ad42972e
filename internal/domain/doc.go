// Package domain models ATM occupancy telemetry and its classification.
//
// # Data Source
//
// A telemetry service counts people queueing at each monitored ATM and pushes
// the counts over a persistent WebSocket connection. Every frame on the named
// event channel carries one payload:
//
//	{"ATM1": 3, "ATM2": 7, "ATM3": 11}
//
// Keys are the site labels from the static catalog; values are non-negative
// integer counts. A source that can number its frames may wrap the counts:
//
//	{"sequence": 42, "counts": {"ATM1": 3}}
//	{"timestamp": "2026-10-15T09:30:00Z", "counts": {"ATM1": 3}}
//
// The explicit sequence (or the timestamp in Unix nanoseconds) applies to every
// entry of the frame. Without one, the [Decoder] numbers readings per site in
// arrival order. Sequences are only compared for staleness; they never alter a
// count.
//
// # Validation
//
// One bad entry never discards its siblings:
//
//	{"ATM1": 3, "ATM2": -1, "ATM3": "busy", "ATM9": 4}
//	  ATM1 -> reading
//	  ATM2 -> rejected, negative count
//	  ATM3 -> rejected, not an integer
//	  ATM9 -> ignored, not in the catalog
//
// A frame that is not a JSON object is dropped as a whole
// ([ErrMalformedPayload]). A frame with no valid entry is a no-op.
//
// # Classification
//
// Each site carries ascending threshold boundaries. With boundaries [5, 10]:
//
//	count < 5        low     (green)
//	5 <= count < 10  medium  (orange)
//	count >= 10      high    (red)
//
// N boundaries yield N+1 tiers; tiers above high are named level-3, level-4 and
// so on, and all render red. [Classify] is pure and non-decreasing in count.
package domain
