package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/commsengine/internal/engine"
	"github.com/msageha/commsengine/internal/events"
	"github.com/msageha/commsengine/internal/incident"
	"github.com/msageha/commsengine/internal/model"
	"github.com/msageha/commsengine/internal/uds"
)

// SocketPath is where a watcher using stateDir listens for control requests.
func SocketPath(stateDir string) string {
	return filepath.Join(stateDir, uds.SocketName)
}

func (d *Daemon) startControl() error {
	srv := uds.NewServer(SocketPath(d.opts.StateDir), d.logger, d.logLevel)
	srv.Handle(uds.CommandPing, func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]int{"pid": os.Getpid()})
	})
	srv.Handle(uds.CommandStatus, func(*uds.Request) *uds.Response {
		return d.call(func() *uds.Response { return uds.SuccessResponse(d.report()) })
	})
	srv.Handle(uds.CommandEvaluate, func(*uds.Request) *uds.Response {
		return d.call(func() *uds.Response {
			d.evaluate()
			return uds.SuccessResponse(d.report())
		})
	})
	srv.Handle(uds.CommandFlush, func(*uds.Request) *uds.Response {
		return d.call(d.flush)
	})
	srv.Handle(uds.CommandTransition, d.handleTransition)
	if err := srv.Start(); err != nil {
		return err
	}
	d.server = srv
	return nil
}

// call runs fn on the loop goroutine, which owns the incident state and last result.
func (d *Daemon) call(fn func() *uds.Response) *uds.Response {
	reply := make(chan *uds.Response, 1)
	select {
	case d.requests <- func() { reply <- fn() }:
		return <-reply
	case <-d.done:
		return uds.ErrorResponse(uds.ErrCodeUnavailable, "watcher is shutting down")
	}
}

func (d *Daemon) report() uds.StatusReport {
	r := uds.StatusReport{
		EvaluatedAt:      d.last.EvaluatedAt,
		Scope:            d.opts.Scope,
		Channels:         len(d.last.Health),
		Incidents:        len(d.last.Incidents),
		Alerts:           d.last.Alerts,
		Dispatches:       len(d.last.Dispatches),
		CommandRiskScore: d.last.Surface.Inference.CommandRiskScore,
		ConfidenceScore:  d.last.Surface.Inference.ConfidenceScore,
		StatusByID:       d.state.StatusByID,
		RetryInMs:        d.failureDelay.Milliseconds(),
	}
	if d.queue != nil {
		r.PendingWrites = d.queue.Pending()
	}
	return r
}

func (d *Daemon) flush() *uds.Response {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(d.config.Daemon.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	pending := d.queue.Pending()
	return uds.SuccessResponse(uds.FlushResult{Pending: pending, Delivered: d.queue.FlushAll(ctx)})
}

func (d *Daemon) handleTransition(req *uds.Request) *uds.Response {
	var p uds.TransitionParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	p.To = model.IncidentStatus(strings.ToUpper(string(p.To)))
	if _, _, err := model.ParseIncidentID(p.IncidentID); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return d.call(func() *uds.Response { return d.transition(p) })
}

// transition applies one guarded status change against the last good snapshot, or against
// the current status map when no snapshot has been read yet.
func (d *Daemon) transition(p uds.TransitionParams) *uds.Response {
	var next engine.State
	var from model.IncidentStatus
	var err error
	if d.haveSnapshot {
		next, from, err = engine.Transition(d.snapshot, d.state, p.IncidentID, p.To, d.config, d.opts.Now())
	} else {
		from = d.state.StatusByID[p.IncidentID]
		next = d.state
		next.StatusByID, err = incident.ApplyTransition(d.state.StatusByID, p.IncidentID, p.To)
	}
	switch {
	case errors.Is(err, incident.ErrUnknownIncident):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, incident.ErrIllegalTransition):
		return uds.ErrorResponse(uds.ErrCodeIllegalTransition, err.Error())
	case err != nil:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	d.state = next
	engine.SaveState(d.queue, d.opts.Scope, next)
	d.bus.Publish(events.Event{
		Type:   events.EventIncidentTransition,
		Key:    p.IncidentID,
		Detail: fmt.Sprintf("%s → %s", from, p.To),
	})
	d.log(model.LogLevelInfo, "incident %s %s → %s", p.IncidentID, from, p.To)
	return uds.SuccessResponse(uds.TransitionResult{IncidentID: p.IncidentID, From: from, To: p.To})
}
