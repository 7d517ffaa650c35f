package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/catsync/internal/bridge"
	"github.com/agentworkforce/catsync/internal/categories"
	"github.com/agentworkforce/catsync/internal/gist"
	"github.com/agentworkforce/catsync/internal/i18n"
	"github.com/agentworkforce/catsync/internal/tiers"
	"github.com/agentworkforce/catsync/internal/tokens"
)

// FatalError marks a failure outside the expected storage, network,
// parse and validation classes. It is logged and reported, never raised.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: unexpected failure: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// UserError carries a localized message while keeping the cause for
// errors.Is.
type UserError struct {
	Message string
	Err     error
}

func (e *UserError) Error() string { return e.Message }

func (e *UserError) Unwrap() error { return e.Err }

// present converts err into what a surface should see.
func (c *Coordinator) present(ctx context.Context, action bridge.Action, name string, err error) error {
	if err == nil {
		return nil
	}
	lang := c.Language(ctx)
	var userErr *UserError
	switch {
	case errors.As(err, &userErr):
		return err
	case errors.Is(err, categories.ErrAlreadyExists):
		return &UserError{Message: i18n.Lookup(lang, "categoryAlreadyExists"), Err: err}
	case errors.Is(err, categories.ErrCategoryNotFound):
		return &UserError{Message: i18n.Lookup(lang, "categoryNotFound", name), Err: err}
	case errors.Is(err, categories.ErrInvalidName):
		return &UserError{Message: i18n.Lookup(lang, "enterCategoryName"), Err: err}
	case errors.Is(err, tokens.ErrEmptyToken):
		return &UserError{Message: i18n.Lookup(lang, "tokenMissing"), Err: err}
	case errors.Is(err, bridge.ErrBadPayload),
		errors.Is(err, bridge.ErrUnknownAction),
		errors.Is(err, categories.ErrInvalidItem):
		return err
	case errors.Is(err, tiers.ErrUnavailable),
		errors.Is(err, tiers.ErrNotFound),
		errors.Is(err, categories.ErrMalformed),
		errors.Is(err, gist.ErrTransient),
		errors.Is(err, gist.ErrMalformed),
		errors.Is(err, gist.ErrNoToken),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		key := "updateCategoryFailed"
		if action == bridge.ActionAddCategory {
			key = "addCategoryFailed"
		}
		c.log.Error("request failed", "action", string(action), "err", err)
		return &UserError{Message: i18n.Lookup(lang, key, err.Error()), Err: err}
	}
	fatal := &FatalError{Op: string(action), Err: err}
	c.log.Error("request aborted", "action", string(action), "err", fatal)
	return fatal
}
