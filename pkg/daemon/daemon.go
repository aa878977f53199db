// Package daemon owns the listening socket and the dispatch loop. Each
// accepted connection is served by its own goroutine; all coordination
// funnels through the queue's mutual exclusion, never across connections.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/jkaessens/qmanager/pkg/executor"
	"github.com/jkaessens/qmanager/pkg/pidfile"
	"github.com/jkaessens/qmanager/pkg/qerr"
	"github.com/jkaessens/qmanager/pkg/qlog"
	"github.com/jkaessens/qmanager/pkg/qproto"
	"github.com/jkaessens/qmanager/pkg/queue"
	"github.com/jkaessens/qmanager/pkg/state"
	"github.com/jkaessens/qmanager/pkg/transport"
)

// Daemon wires the queue manager, the executor and the listener together.
type Daemon struct {
	cfg   Config
	log   *qlog.Logger
	queue *queue.Queue
	exec  *executor.Executor
	store *state.Store

	listener  net.Listener
	addr      string
	ready     chan struct{}
	readyOnce sync.Once
}

// New validates the configuration and assembles a daemon. It does not
// listen yet; Serve does.
func New(cfg Config, log *qlog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var st *state.Store
	if cfg.StateFile != "" {
		var err error
		st, err = state.Open(cfg.StateFile)
		if err != nil {
			return nil, err
		}
	}

	var opts []queue.Option
	if cfg.Retain > 0 {
		opts = append(opts, queue.WithRetention(cfg.Retain))
	}
	if st != nil {
		// Retention eviction must reach the store too, or evicted jobs
		// resurrect past the cap on the next restart.
		store := st
		opts = append(opts, queue.WithEvictionHook(func(ids []uint64) {
			for _, id := range ids {
				if err := store.DeleteJob(id); err != nil {
					log.Error("failed to delete evicted job", "job", id, "err", err)
				}
			}
		}))
	}
	q := queue.New(opts...)

	if st != nil {
		jobs, err := st.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("restoring queue state: %w", err)
		}
		q.Restore(jobs)
		log.Info("restored queue state", "file", cfg.StateFile, "jobs", len(jobs))

		// Interrupted jobs were failed during restore; push the corrected
		// states back down so the store agrees with the queue.
		for _, j := range q.Snapshot() {
			if err := st.SaveJob(j); err != nil {
				return nil, fmt.Errorf("rewriting restored job %d: %w", j.ID, err)
			}
		}
	}

	execOpts := []executor.Option{}
	if cfg.EnableNotify {
		execOpts = append(execOpts, executor.WithNotifier(executor.NewNotifier(log)))
	}
	if st != nil {
		execOpts = append(execOpts, executor.WithPersister(st))
	}

	return &Daemon{
		cfg:    cfg,
		log:    log,
		queue:  q,
		exec:   executor.New(q, log, execOpts...),
		store:  st,
		ready:  make(chan struct{}),
	}, nil
}

// Addr returns the bound listen address once Serve has opened the socket,
// or the empty string when Serve failed before listening. Useful with
// port 0 in tests.
func (d *Daemon) Addr() string {
	<-d.ready
	return d.addr
}

// Serve acquires the PID file, opens the socket and accepts connections
// until ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context) error {
	// Unblock Addr callers on every exit path, including startup failures.
	defer d.readyOnce.Do(func() { close(d.ready) })

	if d.cfg.PIDFile != "" {
		handle, err := pidfile.Acquire(d.cfg.PIDFile)
		if err != nil {
			return err
		}
		defer handle.Release()
	}

	srvCfg := transport.ServerConfig{Insecure: d.cfg.Insecure}
	if !d.cfg.Insecure {
		cert, err := transport.LoadPKCS12Certificate(d.cfg.CertFile, d.cfg.CertPassword)
		if err != nil {
			return err
		}
		srvCfg.Certificate = cert
		if len(d.cfg.CAFiles) > 0 {
			pool, err := transport.CertPool(d.cfg.CAFiles, false)
			if err != nil {
				return err
			}
			srvCfg.ClientCAs = pool
		}
	}

	ln, err := transport.Listen(fmt.Sprintf(":%d", d.cfg.Port), srvCfg)
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", d.cfg.Port, err)
	}
	d.listener = ln
	d.addr = ln.Addr().String()
	d.readyOnce.Do(func() { close(d.ready) })
	d.log.Info("daemon ready", "addr", ln.Addr().String(), "insecure", d.cfg.Insecure)

	var wg sync.WaitGroup
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.exec.Run(execCtx)
	}()

	// Close the listener when the context falls; Accept unblocks with an
	// error and the loop winds down.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.log.Error("accept failed", "err", err)
			if errors.Is(err, net.ErrClosed) {
				break
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.handleConn(ctx, conn)
		}()
	}

	cancel()
	wg.Wait()
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Error("closing state store", "err", err)
		}
	}
	d.log.Info("daemon stopped")
	return nil
}

// handleConn serves one connection: a sequence of framed requests, each
// answered in order. Protocol and TLS errors terminate the connection;
// queue errors travel back as error responses.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	log := d.log.With("conn", uuid.NewString()[:8], "remote", conn.RemoteAddr().String())
	log.Debug("connection accepted")

	for {
		req, err := qproto.ReadRequest(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug("connection closed by peer")
			} else {
				log.Warn("dropping connection", "err", err)
			}
			return
		}

		if d.cfg.DumpProtocol {
			log.Debug("request", "kind", req.Kind)
		}

		resp := d.dispatch(req, log)
		if err := qproto.WriteResponse(conn, resp); err != nil {
			log.Warn("failed to write response", "err", err)
			return
		}
	}
}

// dispatch maps one decoded request onto the queue manager.
func (d *Daemon) dispatch(req *qproto.Request, log *qlog.Logger) *qproto.Response {
	switch req.Kind {
	case qproto.KindSubmit:
		return d.handleSubmit(req.Submit, log)

	case qproto.KindQueueStatus:
		return &qproto.Response{
			Kind: qproto.KindQueueStatus,
			Jobs: d.queue.Snapshot(),
		}

	case qproto.KindRemove:
		return d.handleRemove(req.Remove, log)
	}

	// ReadRequest already rejected unknown kinds.
	return qproto.ErrorResponseFor(qerr.Newf(qerr.CodeProtocolError, "unhandled request kind %q", req.Kind))
}

func (d *Daemon) handleSubmit(req *qproto.SubmitRequest, log *qlog.Logger) *qproto.Response {
	if req.NotifyCmd != "" && !d.cfg.EnableNotify {
		return qproto.ErrorResponseFor(qerr.Newf(qerr.CodeInvalidRequest,
			"notify commands are disabled on this server"))
	}

	id, err := d.queue.Submit(req.Args, req.ExpectedDuration, req.NotifyCmd)
	if err != nil {
		log.Warn("submission rejected", "err", err)
		return qproto.ErrorResponseFor(err)
	}

	d.persistByID(id, log)
	d.exec.Wake()
	log.Info("job submitted", "job", id)
	return &qproto.Response{Kind: qproto.KindSubmit, JobID: id}
}

func (d *Daemon) handleRemove(req *qproto.RemoveRequest, log *qlog.Logger) *qproto.Response {
	job, err := d.queue.Remove(req.JobID)
	if err != nil {
		return qproto.ErrorResponseFor(err)
	}
	if d.store != nil {
		if err := d.store.DeleteJob(job.ID); err != nil {
			log.Error("failed to delete persisted job", "job", job.ID, "err", err)
		}
	}
	log.Info("job removed", "job", job.ID)
	return &qproto.Response{Kind: qproto.KindRemove, Job: &job}
}

// persistByID stores the current state of one job, outside the queue lock.
func (d *Daemon) persistByID(id uint64, log *qlog.Logger) {
	if d.store == nil {
		return
	}
	for _, j := range d.queue.Snapshot() {
		if j.ID == id {
			if err := d.store.SaveJob(j); err != nil {
				log.Error("failed to persist job", "job", id, "err", err)
			}
			return
		}
	}
}
