package util

import (
	"fmt"

	"github.com/pkg/errors"
)

// TryCatchBlock represents struct for try-catch-finally control flow
type TryCatchBlock struct {
	Try     func()
	Catch   func(error)
	Finally func()
}

// Throw panics with up so an enclosing TryCatchBlock can catch it
func Throw(up error) {
	panic(up)
}

// Do executes TryCatchBlock try-catch-finally control flow
func (tcf TryCatchBlock) Do() {
	if tcf.Finally != nil {
		defer tcf.Finally()
	}
	if tcf.Catch != nil {
		defer func() {
			if r := recover(); r != nil {
				err, ok := r.(error)
				if !ok {
					err = fmt.Errorf("%v", r)
				}
				tcf.Catch(err)
			}
		}()
	}
	tcf.Try()
}

// CatchErrs runs fn and turns a panic into an error
func CatchErrs(fn func() error) error {
	var err error
	TryCatchBlock{
		Try: func() { err = fn() },
		Catch: func(e error) {
			err = errors.Wrap(e, "recovered panic")
		},
	}.Do()
	return err
}
