package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sheerbytes/resched/internal/fetch"
	"github.com/sheerbytes/resched/internal/scheduler"
	"github.com/sheerbytes/resched/pkg/protocol"
)

// defaultFetchPriority applies when a fetch names no priority.
const defaultFetchPriority = scheduler.Lowest

// dispatch maps one renderer signal onto the scheduler. A non-nil result is
// reported back to the renderer as an error message.
func (s *Server) dispatch(ctx context.Context, childID int32, env protocol.Envelope, logger *slog.Logger) *protocol.Error {
	switch env.Type {
	case protocol.TypeClientCreated:
		var route protocol.Route
		if err := env.DecodePayload(&route); err != nil {
			return errorf(protocol.CodeBadPayload, "%v", err)
		}
		if !s.hub.AddRoute(childID, route.RouteID) {
			return errorf(protocol.CodeDuplicate, "route %d already exists", route.RouteID)
		}
		id := scheduler.MakeClientID(childID, route.RouteID)
		if err := s.loop.Call(ctx, func() { s.sched.OnClientCreated(id) }); err != nil {
			s.hub.RemoveRoute(childID, route.RouteID)
			return errorf(protocol.CodeUnavailable, "%v", err)
		}
		logger.Debug("client created", "client", id)
		return nil

	case protocol.TypeClientDeleted:
		var route protocol.Route
		if err := env.DecodePayload(&route); err != nil {
			return errorf(protocol.CodeBadPayload, "%v", err)
		}
		if !s.hub.RemoveRoute(childID, route.RouteID) {
			return errorf(protocol.CodeUnknownClient, "route %d does not exist", route.RouteID)
		}
		id := scheduler.MakeClientID(childID, route.RouteID)
		canceled, err := s.loader.DeleteClient(ctx, id)
		if err != nil {
			return errorf(protocol.CodeUnavailable, "%v", err)
		}
		logger.Debug("client deleted", "client", id, "canceled_pending", canceled)
		return nil

	case protocol.TypeNavigate, protocol.TypeWillInsertBody:
		var route protocol.Route
		if err := env.DecodePayload(&route); err != nil {
			return errorf(protocol.CodeBadPayload, "%v", err)
		}
		if !s.hub.HasRoute(childID, route.RouteID) {
			return errorf(protocol.CodeUnknownClient, "route %d does not exist", route.RouteID)
		}
		id := scheduler.MakeClientID(childID, route.RouteID)
		signal := s.sched.OnNavigate
		if env.Type == protocol.TypeWillInsertBody {
			signal = s.sched.OnWillInsertBody
		}
		if err := s.loop.Call(ctx, func() { signal(id) }); err != nil {
			return errorf(protocol.CodeUnavailable, "%v", err)
		}
		return nil

	case protocol.TypeFetch:
		var f protocol.Fetch
		if err := env.DecodePayload(&f); err != nil {
			return errorf(protocol.CodeBadPayload, "%v", err)
		}
		return s.startFetch(ctx, childID, f, logger)

	case protocol.TypeReprioritize:
		var rp protocol.Reprioritize
		if err := env.DecodePayload(&rp); err != nil {
			return errorf(protocol.CodeBadPayload, "%v", err)
		}
		p, err := parsePriority(rp.Priority)
		if err != nil {
			return errorf(protocol.CodeBadPayload, "%v", err)
		}
		if err := s.loader.Reprioritize(ctx, jobID(childID, rp.RequestID), p); err != nil {
			if errors.Is(err, fetch.ErrUnknownJob) {
				return errorf(protocol.CodeUnknownFetch, "request %q is not outstanding", rp.RequestID)
			}
			return errorf(protocol.CodeBadPayload, "%v", err)
		}
		return nil

	case protocol.TypeCancel:
		var c protocol.Cancel
		if err := env.DecodePayload(&c); err != nil {
			return errorf(protocol.CodeBadPayload, "%v", err)
		}
		if err := s.loader.Cancel(ctx, jobID(childID, c.RequestID)); err != nil {
			if errors.Is(err, fetch.ErrUnknownJob) {
				return errorf(protocol.CodeUnknownFetch, "request %q is not outstanding", c.RequestID)
			}
			return errorf(protocol.CodeUnavailable, "%v", err)
		}
		return nil

	default:
		return errorf(protocol.CodeUnknownType, "unknown message type %q", env.Type)
	}
}

// startFetch validates f and runs it on its own goroutine. Progress is
// reported with fetch_started and fetch_completed.
func (s *Server) startFetch(ctx context.Context, childID int32, f protocol.Fetch, logger *slog.Logger) *protocol.Error {
	if f.RequestID == "" {
		return errorf(protocol.CodeBadPayload, "request_id is required")
	}
	p, err := parsePriority(f.Priority)
	if err != nil {
		return errorf(protocol.CodeBadPayload, "%v", err)
	}
	if !s.hub.HasRoute(childID, f.RouteID) {
		return errorf(protocol.CodeUnknownClient, "route %d does not exist", f.RouteID)
	}

	requestID := f.RequestID
	job := fetch.Job{
		ID:           jobID(childID, requestID),
		Client:       scheduler.MakeClientID(childID, f.RouteID),
		URL:          f.URL,
		Priority:     p,
		Synchronous:  f.Sync,
		IgnoreLimits: f.IgnoreLimits,
		OnStart: func(deferred bool) {
			s.send(childID, protocol.TypeFetchStarted, protocol.FetchStarted{RequestID: requestID, Deferred: deferred})
		},
	}

	s.fetches.Add(1)
	go func() {
		defer s.fetches.Done()
		fctx := ctx
		if s.cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
			defer cancel()
		}

		res, err := s.loader.Load(fctx, job)
		if errors.Is(err, fetch.ErrDuplicateJob) {
			s.sendError(childID, errorf(protocol.CodeDuplicate, "request %q is already outstanding", requestID))
			return
		}
		done := protocol.FetchCompleted{RequestID: requestID}
		if err != nil {
			logger.Debug("fetch failed", "request_id", requestID, "error", err)
			done.Error = err.Error()
		} else {
			done.Status = res.Status
			done.Proto = res.Proto
			done.Bytes = res.Bytes
			done.DurationMS = res.Duration.Milliseconds()
		}
		s.send(childID, protocol.TypeFetchCompleted, done)
	}()
	return nil
}

func parsePriority(name string) (scheduler.Priority, error) {
	if strings.TrimSpace(name) == "" {
		return defaultFetchPriority, nil
	}
	return scheduler.ParsePriority(name)
}

// jobID scopes a renderer's request ID to its connection.
func jobID(childID int32, requestID string) string {
	return fmt.Sprintf("%d/%s", childID, requestID)
}
