// Package mocks holds testify mocks of the device transport interfaces.
package mocks

import (
	"context"

	"github.com/srg/dart/internal/device"
	"github.com/stretchr/testify/mock"
)

type MockTransport struct {
	mock.Mock
}

var _ device.Transport = (*MockTransport)(nil)

func (m *MockTransport) Kind() device.TransportKind {
	return m.Called().Get(0).(device.TransportKind)
}

func (m *MockTransport) Discover(ctx context.Context, target device.Target) (string, error) {
	args := m.Called(ctx, target)
	return args.String(0), args.Error(1)
}

func (m *MockTransport) Connect(ctx context.Context, address string, target device.Target) (device.Link, error) {
	args := m.Called(ctx, address, target)
	if l := args.Get(0); l != nil {
		return l.(device.Link), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockLink struct {
	mock.Mock
}

var _ device.Link = (*MockLink)(nil)

func (m *MockLink) Address() string {
	return m.Called().String(0)
}

func (m *MockLink) SupportsPush(endpoint string) (bool, error) {
	args := m.Called(endpoint)
	return args.Bool(0), args.Error(1)
}

func (m *MockLink) Subscribe(endpoint string, handler func([]byte)) error {
	return m.Called(endpoint, handler).Error(0)
}

func (m *MockLink) Unsubscribe(endpoint string) error {
	return m.Called(endpoint).Error(0)
}

func (m *MockLink) Read(ctx context.Context, endpoint string) ([]byte, error) {
	args := m.Called(ctx, endpoint)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLink) Done() <-chan struct{} {
	if ch := m.Called().Get(0); ch != nil {
		return ch.(chan struct{})
	}
	return nil
}

func (m *MockLink) Err() error {
	return m.Called().Error(0)
}

func (m *MockLink) Close() error {
	return m.Called().Error(0)
}
