package route

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
)

var (
	ErrNotFound  = errors.New("route not found")
	ErrConflict  = errors.New("route conflict")
	ErrImmutable = errors.New("binding is immutable")
)

// AllowedMethods is the fixed set accepted by AddRoute.
var AllowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// Binding maps (path, method) to a handler artifact.
type Binding struct {
	Path           string     `json:"path"`
	Method         string     `json:"method"`
	HandlerRef     string     `json:"handlerRef"`
	Immutable      bool       `json:"immutable"`
	Healthy        bool       `json:"healthy"`
	LastChecked    time.Time  `json:"lastChecked"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	AddedAt        time.Time  `json:"addedAt"`
	LastRepairedAt *time.Time `json:"lastRepairedAt,omitempty"`
}

// Manifest is the checksummed document describing all live bindings.
// Checksum covers the canonical serialization of Routes only.
type Manifest struct {
	Version      int                `json:"version"`
	Routes       map[string]Binding `json:"routes"`
	Checksum     string             `json:"checksum"`
	LastUpdated  time.Time          `json:"lastUpdated"`
	LastRepaired *time.Time         `json:"lastRepaired,omitempty"`
}

// Descriptor is the handler artifact written next to the manifest.
// Path and method are stored redundantly so a lost manifest can be
// rebuilt without guessing.
type Descriptor struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Method      string    `json:"method"`
	Handler     string    `json:"handler"`
	Kind        string    `json:"kind"` // static | command | health
	Body        string    `json:"body,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Descriptor kinds.
const (
	KindStatic  = "static"
	KindCommand = "command"
	KindHealth  = "health"
)

// AddConfig is the operator-facing shape for AddRoute.
type AddConfig struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	HandlerRef  string `json:"handlerRef"`
	Immutable   bool   `json:"immutable"`
	Kind        string `json:"kind,omitempty"`
	Content     string `json:"content,omitempty"`     // full artifact JSON, wins over Body
	Body        string `json:"body,omitempty"`        // handler body for a static artifact
	ContentType string `json:"contentType,omitempty"` // for Body
}

// ArchivedRoute preserves a removed binding with enough context to
// restore it: the binding, the manifest it was part of, and the
// artifact content.
type ArchivedRoute struct {
	Name       string    `json:"name"`
	Binding    Binding   `json:"binding"`
	ManifestAt Manifest  `json:"manifestAt"`
	Artifact   string    `json:"artifact,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// RouteStatus is one row of the status summary.
type RouteStatus struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Method      string    `json:"method"`
	Healthy     bool      `json:"healthy"`
	Immutable   bool      `json:"immutable"`
	LastChecked time.Time `json:"lastChecked"`
	Error       string    `json:"error,omitempty"`
}

// StatusSummary is the payload of GET /routes/status.
type StatusSummary struct {
	Version   int           `json:"version"`
	Checksum  string        `json:"checksum,omitempty"`
	Healthy   int           `json:"healthy"`
	Unhealthy int           `json:"unhealthy"`
	Routes    []RouteStatus `json:"routes"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// Dispatcher is the request-dispatch layer the registry binds routes
// into. *echo.Echo satisfies it.
type Dispatcher interface {
	Add(method, path string, handler echo.HandlerFunc, middleware ...echo.MiddlewareFunc) *echo.Route
}
