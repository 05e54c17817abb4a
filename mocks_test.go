package sapi

import (
	"github.com/stretchr/testify/mock"

	"github.com/ccock/sandboxed-api/sandbox2"
)

type MockForkClient struct {
	mock.Mock
}

func (m *MockForkClient) Spawn(req sandbox2.SpawnRequest) (workerHandle, error) {
	args := m.Called(req)
	if w := args.Get(0); w != nil {
		return w.(workerHandle), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockForkClient) Close() error {
	args := m.Called()
	return args.Error(0)
}
