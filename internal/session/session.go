// Package session runs one composed workflow on a ComfyUI server and collects
// what it produced.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"path"
	"time"

	"github.com/richinsley/comfy2go-worker/client"
	"github.com/richinsley/comfy2go-worker/graphapi"
	"github.com/richinsley/comfy2go-worker/internal/errkind"
)

const (
	interruptTimeout = 5 * time.Second
	opSelect         = "session.select"
)

// Uploader stores a produced file and returns a reference to it.
type Uploader interface {
	Upload(ctx context.Context, data []byte, key string) (string, error)
}

// Session executes a single prompt over a websocket owned by the session. A
// Session is used for one job and is not reused.
type Session struct {
	Client   *client.ComfyClient
	Uploader Uploader
	// ClientID must be the id the websocket was opened with.
	ClientID string
	// KeyPrefix is prepended to uploaded file names.
	KeyPrefix string
	// PreferredNode is selected first when it produced artifacts.
	PreferredNode string
	Handlers      *client.MessageHandlers
	Logger        *slog.Logger
}

// Result is the outcome of a successful Run.
type Result struct {
	PromptID  string
	Artifacts *ArtifactSet
	Primary   Artifact
}

func New(c *client.ComfyClient, uploader Uploader, clientID string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		Client:        c,
		Uploader:      uploader,
		ClientID:      clientID,
		PreferredNode: graphapi.VideoCombineNodeID,
		Handlers:      client.DefaultMessageHandlers(logger),
		Logger:        logger,
	}
}

// Run submits graph, waits for the server to report completion on ws, then
// fetches and stores the outputs. ws is closed before Run returns. When ctx
// is done the socket is closed to unblock the wait and the running prompt is
// interrupted.
func (s *Session) Run(ctx context.Context, ws *client.WebSocketConnection, graph *graphapi.ComposedGraph) (*Result, error) {
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	log := s.logger()

	item, err := s.Client.QueuePrompt(ctx, graph.ToPrompt(s.ClientID))
	if err != nil {
		if ctx.Err() != nil {
			return nil, s.contextError(ctx, "session.submit")
		}
		log.Error("Failed to queue prompt", "error", err)
		return nil, errkind.Wrap(err, errkind.KindExecution, "session.submit", "submission failed")
	}
	log = log.With("prompt_id", item.PromptID)
	log.Info("Prompt queued", "number", item.Number)
	s.nameNodes(graph, log)

	if err := s.await(ctx, ws, item.PromptID, log); err != nil {
		if errkind.Is(err, errkind.KindTimeout) {
			s.interrupt(ctx, item.PromptID, log)
		}
		return nil, err
	}

	artifacts, err := s.extract(ctx, item.PromptID, log)
	if err != nil {
		return nil, err
	}

	primary, ok := artifacts.Select(s.PreferredNode)
	if !ok {
		return nil, errkind.New(errkind.KindExecution, opSelect, "no artifacts produced")
	}
	log.Info("Prompt finished", "artifacts", artifacts.Len(), "kind", primary.Kind, "filename", primary.Filename)

	return &Result{
		PromptID:  item.PromptID,
		Artifacts: artifacts,
		Primary:   primary,
	}, nil
}

// IsNoArtifacts reports whether err is Run's error for an execution that
// finished without producing any artifact.
func IsNoArtifacts(err error) bool {
	return errkind.Is(err, errkind.KindExecution) && errkind.OpOf(err) == opSelect
}

func (s *Session) await(ctx context.Context, ws *client.WebSocketConnection, promptID string, log *slog.Logger) error {
	const op = "session.await"
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return s.contextError(ctx, op)
			}
			return errkind.Wrap(err, errkind.KindExecution, op, "stream closed before completion")
		}
		if mt != client.TextMessage {
			// preview images
			continue
		}

		msg := &client.WSStatusMessage{}
		if err := json.Unmarshal(data, msg); err != nil {
			log.Warn("Undecodable stream message", "error", err)
			continue
		}
		if id := msg.PromptID(); id != "" && id != promptID {
			continue
		}
		s.Handlers.Dispatch(msg)

		if msg.IsCompletion(promptID) {
			return nil
		}
		switch d := msg.Data.(type) {
		case *client.WSMessageExecutionError:
			return errkind.Newf(errkind.KindExecution, op, "execution error in node %s (%s): %s", d.Node, d.NodeType, d.ExceptionMessage)
		case *client.WSMessageExecutionInterrupted:
			return errkind.Newf(errkind.KindExecution, op, "execution interrupted at node %s", d.Node)
		}
	}
}

// extract builds the artifact set from the prompt's history. Any failure
// discards everything collected so far.
func (s *Session) extract(ctx context.Context, promptID string, log *slog.Logger) (*ArtifactSet, error) {
	const op = "session.extract"

	history, err := s.Client.GetHistory(ctx, promptID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, s.contextError(ctx, op)
		}
		return nil, errkind.Wrap(err, errkind.KindExecution, op, "failed to fetch history")
	}

	set := NewArtifactSet()
	for _, node := range history.Outputs {
		var artifacts []Artifact
		if gifs, ok := node.Get(client.OutputGifs); ok {
			for _, out := range files(gifs) {
				data, err := s.fetch(ctx, out)
				if err != nil {
					return nil, err
				}
				ref, err := s.Uploader.Upload(ctx, data, s.key(out.Filename))
				if err != nil {
					return nil, errkind.Wrap(err, errkind.KindExecution, op, "failed to upload "+out.Filename)
				}
				log.Info("Uploaded output", "node_id", node.NodeID, "filename", out.Filename, "bytes", len(data))
				artifacts = append(artifacts, Artifact{Kind: ArtifactURL, Value: ref, Filename: out.Filename})
			}
		} else if images, ok := node.Get(client.OutputImages); ok {
			for _, out := range files(images) {
				data, err := s.fetch(ctx, out)
				if err != nil {
					return nil, err
				}
				artifacts = append(artifacts, Artifact{
					Kind:     ArtifactBase64,
					Value:    base64.StdEncoding.EncodeToString(data),
					Filename: out.Filename,
				})
			}
		}
		set.Add(node.NodeID, artifacts...)
	}
	return set, nil
}

func (s *Session) fetch(ctx context.Context, out client.DataOutput) ([]byte, error) {
	data, err := s.Client.GetView(ctx, out)
	if err != nil {
		if ctx.Err() != nil {
			return nil, s.contextError(ctx, "session.extract")
		}
		return nil, errkind.Wrap(err, errkind.KindExecution, "session.extract", "failed to fetch "+out.Filename)
	}
	return data, nil
}

func (s *Session) key(filename string) string {
	if s.KeyPrefix == "" {
		return filename
	}
	return path.Join(s.KeyPrefix, filename)
}

// interrupt stops promptID after the job gave up waiting, whether it is running
// or still queued. Other prompts on the server are left alone.
func (s *Session) interrupt(ctx context.Context, promptID string, log *slog.Logger) {
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptTimeout)
	defer cancel()
	if err := s.Client.DeleteQueued(ictx, promptID); err != nil {
		log.Warn("Failed to remove prompt from queue", "error", err)
	}
	if err := s.Client.Interrupt(ictx, promptID); err != nil {
		log.Warn("Failed to interrupt prompt", "error", err)
	}
}

// nameNodes logs node output and node errors with the node's title from graph.
func (s *Session) nameNodes(graph *graphapi.ComposedGraph, log *slog.Logger) {
	if s.Handlers == nil {
		s.Handlers = client.DefaultMessageHandlers(log)
	}
	title := func(id string) string {
		if n := graph.Node(id); n != nil {
			return n.Title()
		}
		return ""
	}
	s.Handlers.
		WithDataHandler(func(msg *client.WSMessageDataExecuted) {
			log.Info("Node output", "node_id", msg.Node, "title", title(msg.Node), "categories", len(msg.Output))
		}).
		WithErrorHandler(func(msg *client.WSMessageExecutionError) {
			log.Error("Execution error",
				"node_id", msg.Node,
				"title", title(msg.Node),
				"node_type", msg.NodeType,
				"error", msg.ExceptionMessage,
			)
		})
}

func (s *Session) contextError(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errkind.Wrap(ctx.Err(), errkind.KindTimeout, op, "execution timed out")
	}
	return errkind.Wrap(ctx.Err(), errkind.KindExecution, op, "execution cancelled")
}

func (s *Session) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// files drops entries that do not reference a file.
func files(outputs []client.DataOutput) []client.DataOutput {
	retv := outputs[:0:0]
	for _, o := range outputs {
		if o.Filename != "" {
			retv = append(retv, o)
		}
	}
	return retv
}
