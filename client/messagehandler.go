package client

import (
	"log/slog"
)

// MessageHandlers defines optional callback functions for the streaming events of
// one prompt. All handlers are optional - only provide handlers for the messages you care about.
type MessageHandlers struct {
	// OnStarted is called when execution begins
	OnStarted func(*WSMessageDataExecutionStart)

	// OnCached is called with the nodes whose results were reused
	OnCached func(*WSMessageDataExecutionCached)

	// OnExecuting is called when a node starts executing
	OnExecuting func(*WSMessageDataExecuting)

	// OnProgress is called with progress updates during node execution
	OnProgress func(*WSMessageDataProgress)

	// OnData is called when a node reports output data
	OnData func(*WSMessageDataExecuted)

	// OnExecutionSuccess is called when execution completes successfully
	OnExecutionSuccess func(*WSMessageDataExecutionSuccess)

	// OnError is called if there was an exception during execution
	OnError func(*WSMessageExecutionError)

	// OnInterrupted is called when execution was interrupted
	OnInterrupted func(*WSMessageExecutionInterrupted)
}

// DefaultMessageHandlers returns MessageHandlers that log through logger:
// - started, executing and success at info level
// - progress and cached nodes at debug level
// - errors and interruptions at error level
func DefaultMessageHandlers(logger *slog.Logger) *MessageHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageHandlers{
		OnStarted: func(msg *WSMessageDataExecutionStart) {
			logger.Info("Execution started", "prompt_id", msg.PromptID)
		},
		OnCached: func(msg *WSMessageDataExecutionCached) {
			logger.Debug("Cached nodes", "prompt_id", msg.PromptID, "nodes", msg.Nodes)
		},
		OnExecuting: func(msg *WSMessageDataExecuting) {
			if msg.Node != nil {
				logger.Info("Executing node", "prompt_id", msg.PromptID, "node_id", *msg.Node)
			}
		},
		OnProgress: func(msg *WSMessageDataProgress) {
			logger.Debug("Progress", "node_id", msg.Node, "value", msg.Value, "max", msg.Max)
		},
		OnData: func(msg *WSMessageDataExecuted) {
			logger.Debug("Node output", "node_id", msg.Node, "categories", len(msg.Output))
		},
		OnExecutionSuccess: func(msg *WSMessageDataExecutionSuccess) {
			logger.Info("Execution completed successfully", "prompt_id", msg.PromptID)
		},
		OnError: func(err *WSMessageExecutionError) {
			logger.Error("Execution error",
				"node_id", err.Node,
				"node_type", err.NodeType,
				"error", err.ExceptionMessage,
			)
		},
		OnInterrupted: func(msg *WSMessageExecutionInterrupted) {
			logger.Error("Execution interrupted", "node_id", msg.Node, "node_type", msg.NodeType)
		},
	}
}

// WithProgressHandler replaces the progress handler (builder pattern)
func (h *MessageHandlers) WithProgressHandler(fn func(*WSMessageDataProgress)) *MessageHandlers {
	h.OnProgress = fn
	return h
}

// WithDataHandler replaces the data handler (builder pattern)
func (h *MessageHandlers) WithDataHandler(fn func(*WSMessageDataExecuted)) *MessageHandlers {
	h.OnData = fn
	return h
}

// WithErrorHandler replaces the error handler (builder pattern)
func (h *MessageHandlers) WithErrorHandler(fn func(*WSMessageExecutionError)) *MessageHandlers {
	h.OnError = fn
	return h
}

// Dispatch calls the handler registered for msg's type, if any.
func (h *MessageHandlers) Dispatch(msg *WSStatusMessage) {
	if h == nil || msg == nil {
		return
	}

	switch d := msg.Data.(type) {
	case *WSMessageDataExecutionStart:
		if h.OnStarted != nil {
			h.OnStarted(d)
		}
	case *WSMessageDataExecutionCached:
		if h.OnCached != nil {
			h.OnCached(d)
		}
	case *WSMessageDataExecuting:
		if h.OnExecuting != nil {
			h.OnExecuting(d)
		}
	case *WSMessageDataProgress:
		if h.OnProgress != nil {
			h.OnProgress(d)
		}
	case *WSMessageDataExecuted:
		if h.OnData != nil {
			h.OnData(d)
		}
	case *WSMessageDataExecutionSuccess:
		if h.OnExecutionSuccess != nil {
			h.OnExecutionSuccess(d)
		}
	case *WSMessageExecutionError:
		if h.OnError != nil {
			h.OnError(d)
		}
	case *WSMessageExecutionInterrupted:
		if h.OnInterrupted != nil {
			h.OnInterrupted(d)
		}
	}
}
