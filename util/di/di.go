package di

import (
	"go.uber.org/dig"
)

type config struct {
	providers []provider
}

type provider struct {
	constructor interface{}
	opts        []dig.ProvideOption
}

type Option interface {
	apply(*config)
}

type Container struct {
	dc *dig.Container
}

func New(opts ...Option) (*Container, error) {
	conf := config{}
	for _, opt := range opts {
		opt.apply(&conf)
	}

	dc := dig.New(dig.DeferAcyclicVerification())

	for _, p := range conf.providers {
		err := dc.Provide(p.constructor, p.opts...)
		if err != nil {
			return nil, err
		}
	}

	return &Container{dc: dc}, nil
}

// Get resolves a value of type T from the container.
func Get[T any](c *Container) (T, error) {
	var result T

	err := c.dc.Invoke(func(value T) {
		result = value
	})

	return result, err
}

// Invoke runs fn with its arguments resolved from the container.
func (c *Container) Invoke(fn interface{}) error {
	return c.dc.Invoke(fn)
}

type providerOpt struct {
	p provider
}

func (po providerOpt) apply(c *config) {
	c.providers = append(c.providers, po.p)
}

func Provider(constructor interface{}, opts ...dig.ProvideOption) Option {
	return &providerOpt{
		p: provider{
			constructor: constructor,
			opts:        opts,
		},
	}
}

// Supply registers an already constructed value.
func Supply[T any](value T) Option {
	return Provider(func() T {
		return value
	})
}
