package engine

import (
	"github.com/minasoft/adt-gateway/internal/hl7"
	"github.com/minasoft/adt-gateway/internal/router"
)

// NewRouter sends every ADT trigger to adtHandler. Unmapped triggers
// reach the handler too, which acknowledges them with a warning.
func NewRouter(adtHandler router.Handler, unroutable hl7.AckCode) *router.Router {
	r := router.New()
	r.Handle("ADT", router.Wildcard, adtHandler)
	if unroutable != "" {
		r.SetUnroutableAck(unroutable)
	}
	return r
}
