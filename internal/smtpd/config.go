package smtpd

import (
	"flag"
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v2"

	"github.com/abligh/proxsmtpd/internal/filter"
)

/* Example configuration:

servers:
- protocol: tcp
  address: 127.0.0.1:25
filter:
  type: pipe
  command: /usr/local/bin/my-filter
  reject: "550 Content Rejected"
  timeout: 30
  tempdirectory: /var/spool/proxsmtpd
  header: "X-Filtered-By: proxsmtpd"
logging:
  syslogfacility: local1
metrics:
  listen: 127.0.0.1:9120
*/

// Location of the config file on disk; overridden by flags.
var configFile = flag.String("c", "/etc/proxsmtpd.conf", "Path to YAML config file")
var pidFile = flag.String("p", "/var/run/proxsmtpd.pid", "Path to PID file")
var sendSignal = flag.String("s", "", "Send signal to daemon (either \"stop\" or \"reload\")")
var foreground = flag.Bool("f", false, "Run in foreground (not as daemon)")
var pprof = flag.Bool("pprof", false, "Run pprof")

const (
	ENV_CONFFILE = "_PROXSMTPD_CONFFILE"
	ENV_PIDFILE  = "_PROXSMTPD_PIDFILE"

	DefaultSMTPPort = 25
)

// Config holds the configuration for the whole process: the servers to
// listen on, the filter to dispatch messages to, logging, and metrics.
type Config struct {
	Servers []ServerConfig    // array of server configs
	Filter  map[string]string // raw filter.* directives, applied via filter.Config.ParseOption
	Logging LogConfig         // configuration for logging
	Metrics MetricsConfig     // configuration for the Prometheus endpoint
}

// ServerConfig holds the config that applies to each server (i.e. listener).
type ServerConfig struct {
	Protocol string // protocol it should listen on (in net.Conn form)
	Address  string // address to listen on
}

// MetricsConfig configures the optional Prometheus metrics endpoint.
type MetricsConfig struct {
	Listen string // address to serve /metrics on; empty disables it
}

// ParseConfig parses the YAML configuration provided.
func ParseConfig(confFile string) (*Config, error) {
	buf, err := ioutil.ReadFile(confFile)
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, err
	}
	for i := range c.Servers {
		if c.Servers[i].Protocol == "" {
			c.Servers[i].Protocol = "tcp"
		}
		if c.Servers[i].Protocol == "tcp" && c.Servers[i].Address == "" {
			c.Servers[i].Address = fmt.Sprintf("0.0.0.0:%d", DefaultSMTPPort)
		}
	}
	return c, nil
}

// FilterConfig builds a *filter.Config from the raw filter.* directives in
// the YAML document, applying each one through filter.Config.ParseOption so
// the core dispatch package never has to know about YAML itself.
func (c *Config) FilterConfig() (*filter.Config, error) {
	fc := filter.DefaultConfig()
	for name, value := range c.Filter {
		if err := fc.ParseOption(name, value); err != nil {
			return nil, err
		}
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return fc, nil
}
