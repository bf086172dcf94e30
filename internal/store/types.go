package store

// Run is one session served by an endpoint.
type Run struct {
	ID          string
	PolicyHash  string
	Platform    string
	StartedSeq  int64
	FinishedSeq *int64
	Outcome     string
}

// Request is one session request and the endpoint's decision on it.
// Slot is nil for requests that do not address a data slot.
type Request struct {
	Seq            int64
	RunID          string
	Identity       string
	Op             string
	Slot           *int
	Outcome        string
	Code           string
	Reason         string
	ArtifactDigest string
}
