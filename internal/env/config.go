package env

import (
	"context"
	"fmt"
	"net"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// MinSafeSubscriptionRateMs is the fastest rate nodes are known to cope with
	MinSafeSubscriptionRateMs = 25

	defaultSecret = "different_password_at_least_32_characters_long"
)

type Config struct {
	NodeIPs   map[string]string `env:"HIQNET_NODES,default=0x1:192.168.1.2"`
	NodeNames map[string]string `env:"HIQNET_NODE_NAMES,default=0x1:Node 1"`

	SubscriptionRateMs int    `env:"HIQNET_SUBSCRIPTION_RATE_MS,default=100"`
	WebsocketPort      int    `env:"HIQNET_WEBSOCKET_PORT,default=8765"`
	HTTPHost           string `env:"HIQNET_HTTP_HOST,default=0.0.0.0"`
	AuthTokenSecret    string `env:"HIQNET_AUTH_TOKEN_SECRET,default=different_password_at_least_32_characters_long"`

	ServerIPAddress   string `env:"HIQNET_SERVER_IP_ADDRESS,default=192.168.1.100"`
	ServerSubnetMask  string `env:"HIQNET_SERVER_SUBNET_MASK,default=255.255.255.0"`
	ServerGateway     string `env:"HIQNET_SERVER_GATEWAY,default=192.168.1.1"`
	ServerMACAddress  string `env:"HIQNET_SERVER_MAC_ADDRESS,default=AA:BB:CC:DD:EE:FF"`
	ServerNodeAddress string `env:"HIQNET_SERVER_NODE_ADDRESS,default=0xfb00"`

	HiQnetPort int  `env:"HIQNET_PORT,default=3804"`
	Debug      bool `env:"HIQNET_DEBUG"`

	UnsubscribeDelayS    int  `env:"HIQNET_UNSUBSCRIBE_DELAY_S,default=300"`
	DiscoAnnounceCount   int  `env:"HIQNET_DISCO_ANNOUNCE_COUNT,default=3"`
	DiscoAnnounceForever bool `env:"HIQNET_DISCO_ANNOUNCE_FOREVER"`
	TCPServer            bool `env:"HIQNET_TCP_SERVER,default=true"`
	QueueSize            int  `env:"HIQNET_QUEUE_SIZE,default=200"`

	StatusFile string `env:"HIQNET_STATUS_FILE,default=health.status"`

	SupportName  string `env:"HIQNET_SUPPORT_NAME,default=Example"`
	SupportEmail string `env:"HIQNET_SUPPORT_EMAIL,default=example@example.com"`

	ProxyIPHeader   string `env:"HIQNET_PROXY_IP_HEADER"`
	ProxyPortHeader string `env:"HIQNET_PROXY_PORT_HEADER"`

	DebugHTTP bool `env:"HIQNET_DEBUG_HTTP"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		NodeIPs:            map[string]string{"0x1": "192.168.1.2"},
		NodeNames:          map[string]string{"0x1": "Node 1"},
		SubscriptionRateMs: 100,
		WebsocketPort:      8765,
		HTTPHost:           "0.0.0.0",
		AuthTokenSecret:    defaultSecret,
		ServerIPAddress:    "192.168.1.100",
		ServerSubnetMask:   "255.255.255.0",
		ServerGateway:      "192.168.1.1",
		ServerMACAddress:   "AA:BB:CC:DD:EE:FF",
		ServerNodeAddress:  "0xfb00",
		HiQnetPort:         3804,
		UnsubscribeDelayS:  300,
		DiscoAnnounceCount: 3,
		TCPServer:          true,
		QueueSize:          200,
		StatusFile:         "health.status",
		SupportName:        "Example",
		SupportEmail:       "example@example.com",
	}
}

// LoadConfig reads .env.local, if there is one, and the environment. Invalid
// values are replaced by their defaults and logged.
func LoadConfig(ctx context.Context, log *zap.Logger) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	for _, err := range multierr.Errors(config.Validate()) {
		log.Warn("Invalid configuration, using the default", zap.Error(err))
	}

	if config.SubscriptionRateMs < MinSafeSubscriptionRateMs {
		log.Warn("Subscription rate is less than 25ms, this could cause HiQnet nodes to freeze or crash",
			zap.Int("subscription_rate_ms", config.SubscriptionRateMs))
	}

	return &config, nil
}

var (
	nodeIDPattern = regexp.MustCompile(`^0[xX][0-9a-fA-F]{1,4}$`)
	macPattern    = regexp.MustCompile(`^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$`)
	ipv4Pattern   = regexp.MustCompile(`^[0-9]{1,3}(\.[0-9]{1,3}){3}$`)
)

func validIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ipv4Pattern.MatchString(s) && ip != nil && ip.To4() != nil
}

func invalid(key string, value interface{}) error {
	return fmt.Errorf("invalid value %v for %s", value, key)
}

// Validate replaces every invalid value with its default. The returned error
// lists each replaced key and can be split with multierr.Errors.
func (c *Config) Validate() (err error) {
	def := Default()

	checkRange := func(key string, v *int, min, max, fallback int) {
		if *v < min || *v > max {
			err = multierr.Append(err, invalid(key, *v))
			*v = fallback
		}
	}

	checkIP := func(key string, v *string, fallback string) {
		if !validIPv4(*v) {
			err = multierr.Append(err, invalid(key, *v))
			*v = fallback
		}
	}

	nodesOK := len(c.NodeIPs) > 0
	for id, ip := range c.NodeIPs {
		if !nodeIDPattern.MatchString(id) || !validIPv4(ip) {
			nodesOK = false
		}
	}
	if !nodesOK {
		err = multierr.Append(err, invalid("HIQNET_NODES", c.NodeIPs))
		c.NodeIPs = def.NodeIPs
	}

	if c.NodeNames == nil {
		c.NodeNames = map[string]string{}
	}

	checkRange("HIQNET_SUBSCRIPTION_RATE_MS", &c.SubscriptionRateMs, 1, 10000, def.SubscriptionRateMs)
	checkRange("HIQNET_WEBSOCKET_PORT", &c.WebsocketPort, 20, 65535, def.WebsocketPort)
	checkRange("HIQNET_PORT", &c.HiQnetPort, 1, 65535, def.HiQnetPort)
	checkRange("HIQNET_UNSUBSCRIBE_DELAY_S", &c.UnsubscribeDelayS, 0, 86400, def.UnsubscribeDelayS)
	checkRange("HIQNET_DISCO_ANNOUNCE_COUNT", &c.DiscoAnnounceCount, 0, 100, def.DiscoAnnounceCount)
	checkRange("HIQNET_QUEUE_SIZE", &c.QueueSize, 1, 100000, def.QueueSize)

	if c.AuthTokenSecret == "" {
		err = multierr.Append(err, invalid("HIQNET_AUTH_TOKEN_SECRET", `""`))
		c.AuthTokenSecret = def.AuthTokenSecret
	}

	checkIP("HIQNET_SERVER_IP_ADDRESS", &c.ServerIPAddress, def.ServerIPAddress)
	checkIP("HIQNET_SERVER_SUBNET_MASK", &c.ServerSubnetMask, def.ServerSubnetMask)
	checkIP("HIQNET_SERVER_GATEWAY", &c.ServerGateway, def.ServerGateway)

	if !macPattern.MatchString(c.ServerMACAddress) {
		err = multierr.Append(err, invalid("HIQNET_SERVER_MAC_ADDRESS", c.ServerMACAddress))
		c.ServerMACAddress = def.ServerMACAddress
	}

	if !nodeIDPattern.MatchString(c.ServerNodeAddress) {
		err = multierr.Append(err, invalid("HIQNET_SERVER_NODE_ADDRESS", c.ServerNodeAddress))
		c.ServerNodeAddress = def.ServerNodeAddress
	}

	if c.HTTPHost == "" {
		c.HTTPHost = def.HTTPHost
	}

	if c.StatusFile == "" {
		err = multierr.Append(err, invalid("HIQNET_STATUS_FILE", `""`))
		c.StatusFile = def.StatusFile
	}

	return err
}

// Node is a configured HiQnet node
type Node struct {
	ID uint16

	// Key is the id as configured, e.g. "0x1"
	Key   string
	IP    net.IP
	Alias string
}

func (n Node) String() string {
	return fmt.Sprintf("%s (%s at %s)", n.Alias, n.Key, n.IP)
}

func parseNodeID(s string) uint16 {
	// callers have validated s against nodeIDPattern
	id, _ := strconv.ParseUint(s[2:], 16, 16)
	return uint16(id)
}

// Nodes returns the configured nodes ordered by id. Nodes without a name use
// their id as alias.
func (c *Config) Nodes() []Node {
	nodes := make([]Node, 0, len(c.NodeIPs))

	for key, ip := range c.NodeIPs {
		if !nodeIDPattern.MatchString(key) {
			continue
		}

		alias, ok := c.NodeNames[key]
		if !ok || alias == "" {
			alias = key
		}

		nodes = append(nodes, Node{
			ID:    parseNodeID(key),
			Key:   key,
			IP:    net.ParseIP(ip).To4(),
			Alias: alias,
		})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// NodeAddress is this server's HiQnet device address
func (c *Config) NodeAddress() uint16 {
	if !nodeIDPattern.MatchString(c.ServerNodeAddress) {
		return parseNodeID(Default().ServerNodeAddress)
	}
	return parseNodeID(c.ServerNodeAddress)
}

func (c *Config) SubscriptionRate() time.Duration {
	return time.Duration(c.SubscriptionRateMs) * time.Millisecond
}

func (c *Config) UnsubscribeDelay() time.Duration {
	return time.Duration(c.UnsubscribeDelayS) * time.Second
}

func (c *Config) ServerIP() net.IP {
	return net.ParseIP(c.ServerIPAddress).To4()
}

func (c *Config) ServerMAC() net.HardwareAddr {
	mac, err := net.ParseMAC(c.ServerMACAddress)
	if err != nil {
		mac, _ = net.ParseMAC(Default().ServerMACAddress)
	}
	return mac
}

// HTTPAddr is the address the websocket server listens on
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTPHost, strconv.Itoa(c.WebsocketPort))
}
