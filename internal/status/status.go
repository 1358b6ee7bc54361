package status

import "experimenter/internal/domain"

// Check is the set of named flags derived from an experiment's status fields.
// It is recomputed from the record on every read and never stored.
type Check struct {
	Draft    bool `json:"draft"`
	Preview  bool `json:"preview"`
	Review   bool `json:"review"`
	Accepted bool `json:"accepted"`
	Live     bool `json:"live"`
	Complete bool `json:"complete"`

	Locked   bool `json:"locked"`
	Released bool `json:"released"`
	Launched bool `json:"launched"`

	Idle            bool `json:"idle"`
	ReviewRequested bool `json:"reviewRequested"`
	Approved        bool `json:"approved"`
	Waiting         bool `json:"waiting"`
	EndRequested    bool `json:"endRequested"`
}

// Get derives the flags for exp. A nil experiment yields the zero Check.
func Get(exp *domain.Experiment) Check {
	if exp == nil {
		return Check{}
	}
	c := Check{
		Draft:    exp.Status == domain.StatusDraft,
		Preview:  exp.Status == domain.StatusPreview,
		Review:   exp.Status == domain.StatusReview,
		Accepted: exp.Status == domain.StatusAccepted,
		Live:     exp.Status == domain.StatusLive,
		Complete: exp.Status == domain.StatusComplete,

		Idle:            exp.PublishStatus == domain.PublishIdle,
		ReviewRequested: exp.PublishStatus == domain.PublishReview,
		Approved:        exp.PublishStatus == domain.PublishApproved,
		Waiting:         exp.PublishStatus == domain.PublishWaiting,
		EndRequested:    exp.IsEndRequested,
	}
	c.Released = c.Live || c.Complete
	c.Launched = c.Released
	c.Locked = c.Released || c.Accepted
	return c
}

// Stage returns the name of the single lifecycle flag that is set, or "" for
// the zero Check.
func (c Check) Stage() string {
	switch {
	case c.Draft:
		return "draft"
	case c.Preview:
		return "preview"
	case c.Review:
		return "review"
	case c.Accepted:
		return "accepted"
	case c.Live:
		return "live"
	case c.Complete:
		return "complete"
	}
	return ""
}
