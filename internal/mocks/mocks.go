// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/browser"
	"github.com/xkilldash9x/uipilot/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Target() config.TargetConfig {
	args := m.Called()
	return args.Get(0).(config.TargetConfig)
}

func (m *MockConfig) Session() config.SessionConfig {
	args := m.Called()
	return args.Get(0).(config.SessionConfig)
}

func (m *MockConfig) Resolver() config.ResolverConfig {
	args := m.Called()
	return args.Get(0).(config.ResolverConfig)
}

func (m *MockConfig) Workflow() config.WorkflowConfig {
	args := m.Called()
	return args.Get(0).(config.WorkflowConfig)
}

func (m *MockConfig) Download() config.DownloadConfig {
	args := m.Called()
	return args.Get(0).(config.DownloadConfig)
}

func (m *MockConfig) Diagnostics() config.DiagnosticsConfig {
	args := m.Called()
	return args.Get(0).(config.DiagnosticsConfig)
}

func (m *MockConfig) Audit() config.AuditConfig {
	args := m.Called()
	return args.Get(0).(config.AuditConfig)
}

func (m *MockConfig) Batch() config.BatchConfig {
	args := m.Called()
	return args.Get(0).(config.BatchConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserHeadless(b bool) { m.Called(b) }
func (m *MockConfig) SetSessionPath(p string)   { m.Called(p) }
func (m *MockConfig) SetDownloadDir(p string)   { m.Called(p) }
func (m *MockConfig) SetWorkflowFile(p string)  { m.Called(p) }

// -- Browser Launcher Mock --

// MockLauncher mocks browser.Launcher.
type MockLauncher struct {
	mock.Mock
}

func (m *MockLauncher) Open(ctx context.Context, sess *schemas.Session, opts browser.OpenOptions) (browser.Handle, error) {
	args := m.Called(ctx, sess, opts)
	if h, ok := args.Get(0).(browser.Handle); ok {
		return h, args.Error(1)
	}
	return nil, args.Error(1)
}

// -- Browser Handle Mock --

// MockHandle mocks browser.Handle. Page is usually a browsertest.Page.
type MockHandle struct {
	mock.Mock
}

func (m *MockHandle) Page() browser.Page {
	args := m.Called()
	return args.Get(0).(browser.Page)
}

func (m *MockHandle) Session() *schemas.Session {
	args := m.Called()
	s, _ := args.Get(0).(*schemas.Session)
	return s
}

func (m *MockHandle) Close(ctx context.Context) error { return m.Called(ctx).Error(0) }

// -- Audit Sink Mock --

// MockSink mocks audit.Sink.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Append(ctx context.Context, result schemas.RunResult) error {
	return m.Called(ctx, result).Error(0)
}
