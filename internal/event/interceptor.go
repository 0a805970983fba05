package event

import (
	"context"
	"time"

	"github.com/richardliu001/courier/internal/intercept"
)

// Hook interfaces. An interceptor implements any subset of them.
type (
	AttachHook interface {
		OnAttach(ctx context.Context, payload, owner any, scheduleAt time.Time)
	}
	DetachHook interface {
		OnDetach(ctx context.Context, payload, owner any)
	}
	PrePersistHook interface {
		PrePersist(ctx context.Context, rec *Record)
	}
	PostPersistHook interface {
		PostPersist(ctx context.Context, rec *Record)
	}
	PreReleaseHook interface {
		PreRelease(ctx context.Context, rec *Record)
	}
	PostReleaseHook interface {
		PostRelease(ctx context.Context, rec *Record)
	}
	ExceptionHook interface {
		OnException(ctx context.Context, err error, rec *Record)
	}
	InitPublishHook interface {
		InitPublish(ctx context.Context, msg *Message)
	}
	PrePublishHook interface {
		PrePublish(ctx context.Context, msg *Message)
	}
	PostPublishHook interface {
		PostPublish(ctx context.Context, msg *Message)
	}
	PreSubscribeHook interface {
		PreSubscribe(ctx context.Context, msg *Message)
	}
	PostSubscribeHook interface {
		PostSubscribe(ctx context.Context, msg *Message)
	}
)

// Interceptors is the ordered interceptor chain of the event engine.
type Interceptors = intercept.Chain

func NewInterceptors(vs ...any) *Interceptors { return intercept.New(vs...) }

func each[H any](m *Interceptors, fn func(H)) { intercept.Each(m, fn) }
