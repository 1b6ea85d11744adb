// Package config loads gateway configuration from the environment, an
// optional site config file (zone geometry, POS-IP-to-zone mapping, dwell
// thresholds), and an optional Postgres-backed site config store. Config is
// read-only once loaded: there is no global singleton, every constructor
// downstream takes a *Config (or the fields it needs) explicitly.
package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"
	_ "github.com/joho/godotenv/autoload"
	"github.com/lib/pq"

	envconfig "github.com/timour/edge-gateway/common/config"
)

// ZoneRole distinguishes the geometry ids the tracker treats specially.
type ZoneRole int

const (
	RolePlain ZoneRole = iota
	RolePOS
	RoleGate
)

// ZoneSpec describes one configured geometry id on the sensor.
type ZoneSpec struct {
	ID   int32
	Name string
	Role ZoneRole
}

// siteFile is the shape of the optional JSON site config file, decoded via
// mapstructure into typed fields rather than unmarshaled directly, so the
// same decode path can later be fed a config row read out of Postgres.
type siteFile struct {
	Zones        []zoneFileEntry   `mapstructure:"zones"`
	EntryLine    *int32            `mapstructure:"entry_line"`
	ExitLine     int32             `mapstructure:"exit_line"`
	ApproachLine *int32            `mapstructure:"approach_line"`
	MinDwellMs   uint64            `mapstructure:"min_dwell_ms"`
	ExitGraceMs  uint64            `mapstructure:"exit_grace_ms"`
	GroupWindow  uint64            `mapstructure:"group_window_ms"`
	PosIPToZone  map[string]string `mapstructure:"pos_ip_to_zone"`
}

type zoneFileEntry struct {
	ID   int32  `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Role string `mapstructure:"role"` // "pos" | "gate" | "" (plain)
}

// Config is the gateway's resolved, read-only configuration surface. It is
// built once in main and passed by pointer into every producer, the
// tracker, and the egress sinks.
type Config struct {
	SiteID string

	// MQTT sensor feed.
	MqttHost     string
	MqttPort     int
	MqttTopic    string
	MqttUsername string
	MqttPassword string

	// MQTT egress.
	MqttEgressJourneysTopic string
	MqttEgressEventsTopic   string
	MqttEgressMetricsTopic  string
	MqttEgressGateTopic     string
	MqttEgressTracksTopic   string
	MqttEgressAccTopic      string

	// RabbitMQ journey broadcast.
	RabbitUser string
	RabbitPass string
	RabbitHost string
	RabbitPort string

	// Gate controller.
	GateURL       string
	GateMode      string // "http" | "tcp"
	GateTimeoutMs int
	GateTCPAddr   string

	// RS485 door status poller.
	Rs485Device       string
	Rs485Baud         int
	Rs485PollInterval time.Duration

	// Payment confirmation listener.
	AccPort    int
	AccEnabled bool

	// Egress JSONL sink.
	EgressFile string

	// Zone geometry, resolved from the site file (or defaults if absent).
	zonesByID     map[int32]ZoneSpec
	zoneIDByName  map[string]int32
	posZoneIDs    map[int32]bool
	gateZoneID    int32
	entryLine     int32
	hasEntry      bool
	exitLine      int32
	approach      int32
	hasApproach   bool
	minDwellMs    uint64
	exitGraceMs   uint64
	groupWindowMs uint64
	posIPToZone   map[string]string // ip -> zone name, as authored in the site file
	posIPToZoneID map[string]int32  // ip -> zone id, resolved via zoneIDByName

	db *sql.DB // optional; non-nil when POSTGRES_URL is set
}

// Load builds Config from the environment, optionally overlaid with a site
// config file and a Postgres-backed site config row. File path resolution
// order: --config flag, then CONFIG_FILE env var, then config/dev.json.
func Load(flagConfigPath string) (*Config, error) {
	c := &Config{
		SiteID: envconfig.GetEnv("SITE_ID", "site-01"),

		MqttHost:     envconfig.GetEnv("MQTT_HOST", "localhost"),
		MqttPort:     mustAtoi(envconfig.GetEnv("MQTT_PORT", "1883")),
		MqttTopic:    envconfig.GetEnv("MQTT_TOPIC", "xovis/live_data"),
		MqttUsername: envconfig.GetEnv("MQTT_USERNAME", ""),
		MqttPassword: envconfig.GetEnv("MQTT_PASSWORD", ""),

		MqttEgressJourneysTopic: envconfig.GetEnv("MQTT_EGRESS_JOURNEYS_TOPIC", "gateway/journeys"),
		MqttEgressEventsTopic:   envconfig.GetEnv("MQTT_EGRESS_EVENTS_TOPIC", "gateway/events"),
		MqttEgressMetricsTopic:  envconfig.GetEnv("MQTT_EGRESS_METRICS_TOPIC", "gateway/metrics"),
		MqttEgressGateTopic:     envconfig.GetEnv("MQTT_EGRESS_GATE_TOPIC", "gateway/gate"),
		MqttEgressTracksTopic:   envconfig.GetEnv("MQTT_EGRESS_TRACKS_TOPIC", "gateway/tracks"),
		MqttEgressAccTopic:      envconfig.GetEnv("MQTT_EGRESS_ACC_TOPIC", "gateway/acc"),

		RabbitUser: envconfig.GetEnv("RABBITMQ_USER", "guest"),
		RabbitPass: envconfig.GetEnv("RABBITMQ_PASS", "guest"),
		RabbitHost: envconfig.GetEnv("RABBITMQ_HOST", "localhost"),
		RabbitPort: envconfig.GetEnv("RABBITMQ_PORT", "5672"),

		GateURL:       envconfig.GetEnv("GATE_URL", "http://gate.local/open"),
		GateMode:      envconfig.GetEnv("GATE_MODE", "http"),
		GateTimeoutMs: mustAtoi(envconfig.GetEnv("GATE_TIMEOUT_MS", "2000")),
		GateTCPAddr:   envconfig.GetEnv("GATE_TCP_ADDR", "127.0.0.1:4196"),

		Rs485Device:       envconfig.GetEnv("RS485_DEVICE", "/dev/ttyUSB0"),
		Rs485Baud:         mustAtoi(envconfig.GetEnv("RS485_BAUD", "19200")),
		Rs485PollInterval: time.Duration(mustAtoi(envconfig.GetEnv("RS485_POLL_INTERVAL_MS", "250"))) * time.Millisecond,

		AccPort:    mustAtoi(envconfig.GetEnv("ACC_PORT", "25803")),
		AccEnabled: envconfig.GetEnv("ACC_ENABLED", "true") == "true",

		EgressFile: envconfig.GetEnv("EGRESS_FILE", "data/journeys.jsonl"),

		zonesByID:     map[int32]ZoneSpec{},
		zoneIDByName:  map[string]int32{},
		posZoneIDs:    map[int32]bool{},
		posIPToZone:   map[string]string{},
		posIPToZoneID: map[string]int32{},
		exitLine:      1006,
		minDwellMs:    7000,
		exitGraceMs:   5000,
		groupWindowMs: 10000,
	}

	c.gateZoneID = 1007
	c.entryLine, c.hasEntry = 1005, true

	path := resolveConfigPath(flagConfigPath)
	if path != "" {
		if err := c.loadSiteFile(path); err != nil {
			return nil, fmt.Errorf("loading site config %s: %w", path, err)
		}
	}

	if dbURL := os.Getenv("POSTGRES_URL"); dbURL != "" {
		if err := c.loadFromPostgres(dbURL); err != nil {
			return nil, fmt.Errorf("loading postgres site config: %w", err)
		}
	}

	return c, nil
}

func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv("CONFIG_FILE"); env != "" {
		return env
	}
	const defaultPath = "config/dev.json"
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath
	}
	return ""
}

func (c *Config) loadSiteFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("parsing json: %w", err)
	}

	var sf siteFile
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &sf})
	if err != nil {
		return err
	}
	if err := dec.Decode(generic); err != nil {
		return fmt.Errorf("decoding site config: %w", err)
	}

	c.applySiteFile(sf)
	return nil
}

func (c *Config) applySiteFile(sf siteFile) {
	for _, z := range sf.Zones {
		spec := ZoneSpec{ID: z.ID, Name: z.Name}
		switch z.Role {
		case "pos":
			spec.Role = RolePOS
			c.posZoneIDs[z.ID] = true
		case "gate":
			spec.Role = RoleGate
			c.gateZoneID = z.ID
		}
		c.zonesByID[z.ID] = spec
		if z.Name != "" {
			c.zoneIDByName[z.Name] = z.ID
		}
	}
	if sf.EntryLine != nil {
		c.entryLine, c.hasEntry = *sf.EntryLine, true
	}
	if sf.ExitLine != 0 {
		c.exitLine = sf.ExitLine
	}
	if sf.ApproachLine != nil {
		c.approach, c.hasApproach = *sf.ApproachLine, true
	}
	if sf.MinDwellMs != 0 {
		c.minDwellMs = sf.MinDwellMs
	}
	if sf.ExitGraceMs != 0 {
		c.exitGraceMs = sf.ExitGraceMs
	}
	if sf.GroupWindow != 0 {
		c.groupWindowMs = sf.GroupWindow
	}
	for ip, zoneName := range sf.PosIPToZone {
		c.posIPToZone[ip] = zoneName
		if id, ok := c.zoneIDByName[zoneName]; ok {
			c.posIPToZoneID[ip] = id
		}
	}
}

// loadFromPostgres overlays the site config row for c.SiteID, if present.
// This is a config-only read path (one row describing zone geometry, not a
// record of journeys) and does not use the gateway's journey-completion
// flow, which stays file/MQTT-only.
func (c *Config) loadFromPostgres(dbURL string) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("pinging postgres: %w", err)
	}
	c.db = db

	var raw []byte
	err = db.QueryRow(`SELECT site_config FROM site_configs WHERE site_id = $1`, c.SiteID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			return fmt.Errorf("postgres error %s: %s", pqErr.Code, pqErr.Message)
		}
		return err
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("parsing site_config column: %w", err)
	}
	var sf siteFile
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &sf})
	if err != nil {
		return err
	}
	if err := dec.Decode(generic); err != nil {
		return fmt.Errorf("decoding postgres site config: %w", err)
	}
	c.applySiteFile(sf)
	return nil
}

// Close releases the optional Postgres connection, if one was opened.
func (c *Config) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// ZoneName returns the configured display name for a geometry id, or a
// synthetic "zone-<id>" if the id has no entry in the site config.
func (c *Config) ZoneName(id int32) string {
	if z, ok := c.zonesByID[id]; ok && z.Name != "" {
		return z.Name
	}
	return "zone-" + strconv.FormatInt(int64(id), 10)
}

// IsPOSZone reports whether id is a configured point-of-sale geometry.
func (c *Config) IsPOSZone(id int32) bool {
	return c.posZoneIDs[id]
}

// GateZone returns the configured gate geometry id.
func (c *Config) GateZone() int32 {
	return c.gateZoneID
}

// EntryLine returns the configured store-entry line id, if one is set.
func (c *Config) EntryLine() (int32, bool) {
	return c.entryLine, c.hasEntry
}

// ExitLine returns the configured gate-exit line id.
func (c *Config) ExitLine() int32 {
	return c.exitLine
}

// ApproachLine returns the configured approach line id, if one is set.
func (c *Config) ApproachLine() (int32, bool) {
	return c.approach, c.hasApproach
}

// MinDwellMs returns the minimum POS dwell, in milliseconds, required for a
// payment to authorize a track on its own.
func (c *Config) MinDwellMs() uint64 {
	return c.minDwellMs
}

// ZoneForPOSIP resolves a payment terminal's peer IP to a POS zone name.
func (c *Config) ZoneForPOSIP(ip string) (string, bool) {
	zone, ok := c.posIPToZone[ip]
	return zone, ok
}

// PosIPToZoneID returns the full ip-to-zone-id mapping, suitable for
// constructing an acccollector.Collector.
func (c *Config) PosIPToZoneID() map[string]int32 {
	out := make(map[string]int32, len(c.posIPToZoneID))
	for ip, id := range c.posIPToZoneID {
		out[ip] = id
	}
	return out
}

// ExitGrace returns the POS re-entry grace window, for constructing a
// posocc.Occupancy: a track that exits and re-enters the same POS zone
// within this window keeps accumulating dwell on the same session.
func (c *Config) ExitGrace() time.Duration {
	return time.Duration(c.exitGraceMs) * time.Millisecond
}

// GroupWindow returns the configured ACC group window. The tracker does not
// pass it to the ACC path: a payment confirmation authorizes every
// candidate posocc returns for the zone, whatever their entry times.
func (c *Config) GroupWindow() time.Duration {
	return time.Duration(c.groupWindowMs) * time.Millisecond
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		panic("config: expected integer, got " + s)
	}
	return n
}
