package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/inconshreveable/log15"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/common"
)

const (
	defaultHostPrefix     = "doctor"
	defaultHealthPort     = 9290
	defaultFailureTimeout = 15 * time.Second
	defaultProbeTimeout   = 3 * time.Second
	defaultElectionDelay  = 5 * time.Second
	defaultRestartCommand = "docker restart"
)

type Config struct {
	ID             common.PeerID
	Doctors        []string
	Workers        []string
	HealthPort     int
	ListenAddr     string
	FailureTimeout time.Duration
	ProbeTimeout   time.Duration
	ElectionDelay  time.Duration
	RestartCommand string
	LogLevel       log15.Lvl

	// StatusAddr enables the HTTP status endpoint when set. Control routes
	// additionally need StatusSecret.
	StatusAddr   string
	StatusSecret string
}

// Load reads the configuration from the environment, after merging in a
// .env file when one exists. Every problem found is returned at once.
func Load() (*Config, bool, error) {
	fromFile := godotenv.Load() == nil
	cfg, err := FromEnv()
	return cfg, fromFile, err
}

func FromEnv() (*Config, error) {
	var result *multierror.Error
	fail := func(err error) {
		result = multierror.Append(result, err)
	}

	id, err := getInt("DOCTOR_ID", -1)
	if err != nil {
		fail(err)
	} else if id < 0 {
		fail(errors.New("DOCTOR_ID environment variable is required"))
	}

	count, err := getInt("DOCTOR_COUNT", 0)
	if err != nil {
		fail(err)
	} else if count <= 0 {
		fail(errors.New("DOCTOR_COUNT must be a positive number"))
	}

	port, err := getInt("HEALTH_PORT", defaultHealthPort)
	if err != nil {
		fail(err)
	} else if port <= 0 || port > 65535 {
		fail(errors.Errorf("HEALTH_PORT %d is out of range", port))
	}

	doctors := splitList(getEnv("DOCTOR_HOSTS", ""))
	if len(doctors) == 0 && count > 0 {
		prefix := getEnv("DOCTOR_HOST_PREFIX", defaultHostPrefix)
		for i := 0; i < count; i++ {
			doctors = append(doctors, fmt.Sprintf("%s%d", prefix, i))
		}
	} else if count > 0 && len(doctors) != count {
		fail(errors.Errorf("DOCTOR_HOSTS names %d doctors but DOCTOR_COUNT is %d", len(doctors), count))
	}
	if count > 0 && id >= count {
		fail(errors.Errorf("DOCTOR_ID %d is outside the ring of %d doctors", id, count))
	}

	cfg := &Config{
		ID:             common.PeerID(id),
		HealthPort:     port,
		ListenAddr:     getEnv("LISTEN_ADDR", fmt.Sprintf("0.0.0.0:%d", port)),
		RestartCommand: getEnv("RESTART_COMMAND", defaultRestartCommand),
		StatusAddr:     getEnv("STATUS_ADDR", ""),
		StatusSecret:   getEnv("STATUS_JWT_SECRET", ""),
	}
	if cfg.StatusSecret != "" && cfg.StatusAddr == "" {
		fail(errors.New("STATUS_JWT_SECRET is set but STATUS_ADDR is empty"))
	}
	for _, host := range doctors {
		cfg.Doctors = append(cfg.Doctors, common.WithPort(host, port))
	}
	for _, host := range splitList(getEnv("WORKER_HOSTS", "")) {
		cfg.Workers = append(cfg.Workers, common.WithPort(host, port))
	}

	durations := []struct {
		key      string
		def      time.Duration
		dst      *time.Duration
		positive bool
	}{
		{"FAILURE_TIMEOUT", defaultFailureTimeout, &cfg.FailureTimeout, true},
		{"PROBE_TIMEOUT", defaultProbeTimeout, &cfg.ProbeTimeout, true},
		{"ELECTION_DELAY", defaultElectionDelay, &cfg.ElectionDelay, false},
	}
	for _, d := range durations {
		v, err := getDuration(d.key, d.def)
		switch {
		case err != nil:
			fail(err)
		case v < 0 || (d.positive && v == 0):
			fail(errors.Errorf("%s must be positive", d.key))
		default:
			*d.dst = v
		}
	}

	if strings.TrimSpace(cfg.RestartCommand) == "" {
		fail(errors.New("RESTART_COMMAND must not be blank"))
	}

	lvl, err := log15.LvlFromString(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		fail(errors.Wrap(err, "LOG_LEVEL"))
	}
	cfg.LogLevel = lvl

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Errorf("%s: %q is not a number", key, value)
	}
	return n, nil
}

// getDuration accepts Go durations ("15s") and bare numbers of seconds.
func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Errorf("%s: %q is not a duration", key, value)
	}
	return d, nil
}

func splitList(s string) []string {
	items := strings.Split(s, ",")
	for i := range items {
		items[i] = strings.TrimSpace(items[i])
	}
	return slices.DeleteFunc(items, func(item string) bool {
		return item == ""
	})
}
