package comlink

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Status is a snapshot of a `Communication`, for debugging.
type Status struct {
	ID                  string            `json:"id"`
	Environments        []string          `json:"environments"`
	ReadyEnvironments   []string          `json:"readyEnvironments"`
	PendingEnvironments []string          `json:"pendingEnvironments,omitempty"`
	APIs                []string          `json:"apis,omitempty"`
	PendingCallbacks    int               `json:"pendingCallbacks"`
	Handlers            int               `json:"handlers"`
	Dispatchers         int               `json:"dispatchers"`
	IsServer            bool              `json:"isServer"`
	PublicPath          string            `json:"publicPath,omitempty"`
	Topology            map[string]string `json:"topology,omitempty"`
}

// Status returns our own status.
func (c *Communication) Status() Status {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.statusLocked()
}

func (c *Communication) statusLocked() Status {
	envs := sortedKeys(c.envs)
	st := Status{
		ID:                  c.id,
		Environments:        make([]string, 0, len(envs)),
		ReadyEnvironments:   sortedKeys(c.readyEnvs),
		PendingEnvironments: sortedKeys(c.pendingEnvs),
		APIs:                sortedKeys(c.apis),
		PendingCallbacks:    len(c.callbacks),
		Handlers:            c.buckets.Len(),
		Dispatchers:         len(c.dispatchers),
		IsServer:            c.config.isServer,
		PublicPath:          c.config.publicPath,
		Topology:            maps.Clone(c.config.topology),
	}
	for _, id := range envs {
		if id != Broadcast {
			st.Environments = append(st.Environments, id)
		}
	}
	return st
}

// GetAllEnvironmentsStatus asks every known environment for its status.
//
// Environments which fail to answer are left out of the result and
// their errors are returned together, so a partial result can come with
// a non-nil error. When ctx is done, the environments which did not
// answer yet are left out and ctx's error is returned along.
func (c *Communication) GetAllEnvironmentsStatus(ctx context.Context) (map[string]Status, error) {
	calls := make(map[string]*Call)

	c.lk.Lock()
	if c.disposed {
		c.lk.Unlock()
		return nil, ErrDisposed
	}
	self := c.statusLocked()
	for _, envID := range sortedKeys(c.envs) {
		if envID == Broadcast || envID == c.id {
			continue
		}
		call := newCall()
		msg := &Message{
			Type:       TypeStatus,
			From:       c.id,
			To:         envID,
			Origin:     c.id,
			CallbackID: c.nextCallbackID(),
		}
		c.registerCallbackLocked(msg, call)
		c.sendLocked(envID, msg, c.rejectOnPostFailure(msg.CallbackID))
		calls[envID] = call
	}
	c.unlock()

	var (
		lk     sync.Mutex
		result = map[string]Status{c.id: self}
		errs   *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	for envID, call := range calls {
		g.Go(func() error {
			raw, err := call.Wait(gctx)
			if err != nil && ctx.Err() != nil {
				// We gave up waiting, this is not the environment's fault.
				return err
			}
			if err == nil {
				var st Status
				st, err = Decode[Status](raw)
				if err == nil {
					lk.Lock()
					result[envID] = st
					lk.Unlock()
					return nil
				}
			}

			lk.Lock()
			errs = multierror.Append(errs, fmt.Errorf("status of %q: %w", envID, err))
			lk.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return result, errs.ErrorOrNil()
}
