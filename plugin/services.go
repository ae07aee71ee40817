package plugin

import (
	"database/sql"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ServiceRegistry provides hub services to plugins during Initialize
type ServiceRegistry interface {
	// Database returns the shared database connection, or nil when running in memory
	Database() *sql.DB

	// Logger returns a logger named for the plugin
	Logger(automationType string) *zap.SugaredLogger

	// Config returns the plugin's configuration section ([plugins.<type>])
	Config(automationType string) Config
}

// Config provides access to plugin configuration. *viper.Viper satisfies it.
type Config interface {
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetStringSlice(key string) []string
	Get(key string) interface{}
	IsSet(key string) bool
}

// ConfigProvider resolves plugin configuration sections
type ConfigProvider interface {
	GetPluginConfig(automationType string) Config
}

// DefaultServiceRegistry is the standard implementation of ServiceRegistry
type DefaultServiceRegistry struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	config ConfigProvider
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(db *sql.DB, logger *zap.SugaredLogger, config ConfigProvider) ServiceRegistry {
	return &DefaultServiceRegistry{
		db:     db,
		logger: logger,
		config: config,
	}
}

// Database returns the shared database connection
func (r *DefaultServiceRegistry) Database() *sql.DB {
	return r.db
}

// Logger returns a logger for the specified automation type
func (r *DefaultServiceRegistry) Logger(automationType string) *zap.SugaredLogger {
	return r.logger.Named(automationType)
}

// Config returns plugin-specific configuration
func (r *DefaultServiceRegistry) Config(automationType string) Config {
	return r.config.GetPluginConfig(automationType)
}

// ViperConfigProvider serves [plugins.<type>] sections from a viper instance
type ViperConfigProvider struct {
	V *viper.Viper
}

// GetPluginConfig returns the section for automationType, or an empty config
func (p ViperConfigProvider) GetPluginConfig(automationType string) Config {
	if p.V != nil {
		if sub := p.V.Sub("plugins." + automationType); sub != nil {
			return sub
		}
	}
	return viper.New()
}
