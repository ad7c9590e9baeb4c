package config

// File is the optional YAML dev-server configuration file. Every field is
// optional; unset fields fall through to lower-priority sources.
type File struct {
	Backend      string      `yaml:"backend"      json:"backend"`
	BuildID      string      `yaml:"buildId"      json:"buildId"`
	Host         *bool       `yaml:"host"         json:"host"`
	Port         int         `yaml:"port"         json:"port"`
	AllowedHosts []string    `yaml:"allowedHosts" json:"allowedHosts"`
	HMR          *HMRConfig  `yaml:"hmr"          json:"hmr"`
	Proxy        ProxyConfig `yaml:"proxy"        json:"proxy"`
}

// HMRConfig overrides where the browser's hot-reload client connects, which
// differs from the listen address when the server sits behind a tunnel.
type HMRConfig struct {
	Protocol   string `yaml:"protocol"   json:"protocol"`
	ClientPort int    `yaml:"clientPort" json:"clientPort"`
}

// ProxyConfig controls the API proxy rule.
type ProxyConfig struct {
	Prefix  string `yaml:"prefix"  json:"prefix"`
	Timeout string `yaml:"timeout" json:"timeout"`
	Secure  *bool  `yaml:"secure"  json:"secure"`
}
