package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Route maps a change category to the endpoint that receives its deliveries.
type Route struct {
	Category  string    `json:"category"`
	Target    string    `json:"target"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Supported target schemes.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeKafka = "kafka"
)

// Validate checks the category is set and the target is an absolute
// http(s) URL or a kafka://topic reference.
func (r Route) Validate() error {
	if strings.TrimSpace(r.Category) == "" {
		return fmt.Errorf("category is required")
	}
	if strings.TrimSpace(r.Target) == "" {
		return fmt.Errorf("target is required")
	}
	u, err := url.Parse(r.Target)
	if err != nil {
		return fmt.Errorf("target is not a valid URL: %w", err)
	}
	switch u.Scheme {
	case SchemeHTTP, SchemeHTTPS:
		if u.Host == "" {
			return fmt.Errorf("target must include a host")
		}
	case SchemeKafka:
		if u.Host == "" {
			return fmt.Errorf("kafka target must name a topic")
		}
	default:
		return fmt.Errorf("unsupported target scheme %q", u.Scheme)
	}
	return nil
}
