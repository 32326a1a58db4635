package httpgin

import (
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/kirinyoku/tixmint/internal/domain"
)

var registerOnce sync.Once

// ticketKey accepts game ids and ticket type names: non-empty and free of
// the ticket id separator.
var ticketKey validator.Func = func(fl validator.FieldLevel) bool {
	s, ok := fl.Field().Interface().(string)
	return ok && domain.ValidKey(s)
}

// RegisterValidators installs the custom binding rules on gin's validator.
func RegisterValidators() {
	registerOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("ticketkey", ticketKey)
		}
	})
}
