package api

import (
	"regexp"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var (
	carNumberPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,11}$`)
	validatorsOnce   sync.Once
)

// registerValidators adds the custom binding tags to gin's validator.
func registerValidators() {
	validatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("carnumber", func(fl validator.FieldLevel) bool {
			return carNumberPattern.MatchString(fl.Field().String())
		})
	})
}
