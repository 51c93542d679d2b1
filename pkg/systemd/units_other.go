//go:build !linux

package systemd

import "context"

type Manager struct{}

func Connect(context.Context) (*Manager, error) { return nil, ErrUnsupported }

func (m *Manager) Close() error { return nil }

func (m *Manager) Do(context.Context, string, Action) (string, error) { return "", ErrUnsupported }
