// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

import (
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// DefaultFactory builds a queue from its persisted configuration,
// dispatching on the type tag.
func DefaultFactory(cfg Config, deps Deps) (q Queue, err kv.Error) {
	switch cfg.Type {
	case TypeLocal:
		return NewLocal(cfg, deps, 0)
	case TypePBS:
		return NewPBS(cfg, deps)
	case TypeSGE:
		return NewSGE(cfg, deps)
	case TypeSLURM:
		return NewSLURM(cfg, deps)
	case TypeOAR:
		return NewOAR(cfg, deps)
	case TypeUIT:
		return NewUIT(cfg, deps)
	}
	return nil, kv.NewError("unknown queue type").With("type", string(cfg.Type)).With("stack", stack.Trace().TrimRuntime())
}
