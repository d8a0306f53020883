package sgx_sp

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kwonalbert/sgx_sp/signature"
)

const (
	DefaultClientAddr     = ":1234"
	DefaultEnclaveAddr    = "localhost:1235"
	DefaultListenAddr     = ":50051"
	DefaultConnectTimeout = 5 * time.Second
	DefaultMaxSessions    = 1024
	DefaultTimeout        = 10 // minutes

	SPID_SIZE = 16
)

type Configuration struct {
	// If true, the session manager will start in release mode,
	// meaning it will connect to the production version of IAS.
	Release bool

	// If true, quotes are accepted without asking IAS. Only for
	// simulated enclaves during development.
	SkipIAS bool

	// The subscription key for IAS API. This can be found at
	// https://api.portal.trustedservices.intel.com
	Subscription string

	// PEM file with the public key of the IAS report signing
	// certificate. Required unless SkipIAS is set.
	IASReportKey string

	// The directory that contains all the MREnclave files
	// that are acceptable for this session manager.
	Mrenclaves string

	// Hex encoded SPID for IAS API. This can be found at
	// https://api.portal.trustedservices.intel.com
	Spid string

	// The file that contains a PEM encoded long-term ECDSA P-256
	// (SECP256R1) private key for establishing the session. The
	// public key component of this key should be built-in to the
	// client enclave.
	LongTermKey string

	// AllowedAdvisories maps an error during quote verification
	// to which advisories we are allowed to ignore. Current valid
	// keys are: ["CONFIGURATION_NEEDED", "GROUP_OUT_OF_DATE"].
	// Be careful to not set this too liberally.
	AllowedAdvisories map[string][]string

	// Accept enclaves that have the DEBUG attribute set.
	AllowDebug bool

	// Request linkable quotes instead of unlinkable ones.
	Linkable bool

	// Optional RSA private key (PEM, or DER if the file ends in
	// .der) used to sign the verdict sent in msg4.
	VerdictKey string

	// Optional hex encoded secret provisioned to the enclave in
	// msg4, sealed under the session key.
	Secret string

	// The maximum number of concurrent sessions the session
	// manager will keep alive. If MaxSessions is -1, then we
	// allow unlimited number of sessions.
	MaxSessions int

	// A session times out after Timeout minutes.
	// If there is no activity for this session within the past
	// Timeout minutes, the manager will remove the session,
	// and the client will have to reauthenticate itself.
	// If Timeout is -1, then a session will never expire.
	// except if there are more than MaxSessions sessions,
	// then the oldest ones will be removed.
	Timeout int

	// Where the bootstrap waits for the attesting client.
	ClientAddr string

	// The enclave's channel endpoint.
	EnclaveAddr string

	// Bound on connecting to the enclave, as a Go duration.
	ConnectTimeout string

	// Optional bound on waiting for the enclave's message.
	ReadTimeout string

	// If set, the enclave's message must equal this text.
	ExpectedMessage string

	// Largest message accepted from the enclave, in bytes.
	MaxMessageSize uint32

	// gRPC listen address for service mode, and its TLS
	// certificate and key. Without them the service runs in
	// plaintext.
	ListenAddr string
	TLSCert    string
	TLSKey     string
}

// endpoints is the part of the configuration the driver needs.
type endpoints struct {
	clientAddr      string
	enclaveAddr     string
	connectTimeout  time.Duration
	readTimeout     time.Duration
	expectedMessage string
	maxMessageSize  uint32
}

// Internal configuration used to create an attestor.
type configuration struct {
	endpoints

	release           bool
	skipIAS           bool
	subscription      string
	iasReportKey      *signature.VerificationKey
	mrenclaves        [][MRENCLAVE_SIZE]byte
	spid              []byte
	longTermKey       *ecdsa.PrivateKey
	allowedAdvisories map[string][]string
	allowDebug        bool
	linkable          bool
	verdictKey        *signature.SigningKey
	secret            []byte
	maxSessions       int
	timeout           int
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

func readMREnclaves(dir string) ([][MRENCLAVE_SIZE]byte, error) {
	if dir == "" {
		return nil, invalid("Mrenclaves directory not set")
	}
	mrs, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read mrenclaves directory: %w", ErrIOFailure, err)
	}

	var mrenclaves [][MRENCLAVE_SIZE]byte
	for _, mr := range mrs {
		if mr.IsDir() || strings.HasPrefix(mr.Name(), ".") {
			continue
		}

		mhex, err := os.ReadFile(filepath.Join(dir, mr.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: read mrenclave: %w", ErrIOFailure, err)
		}
		mrenclave, err := hex.DecodeString(strings.TrimSpace(string(mhex)))
		if err != nil {
			return nil, invalid("mrenclave %s is not hex: %v", mr.Name(), err)
		}
		if len(mrenclave) != MRENCLAVE_SIZE {
			return nil, invalid("mrenclave %s should contain %d bytes, but instead got %d", mr.Name(), MRENCLAVE_SIZE, len(mrenclave))
		}

		var m [MRENCLAVE_SIZE]byte
		copy(m[:], mrenclave)
		mrenclaves = append(mrenclaves, m)
	}
	if len(mrenclaves) == 0 {
		return nil, invalid("no mrenclaves in %s", dir)
	}
	return mrenclaves, nil
}

func readSPID(shex string) ([]byte, error) {
	spid, err := hex.DecodeString(strings.TrimSpace(shex))
	if err != nil {
		return nil, invalid("could not parse the hex spid: %v", err)
	}
	if len(spid) != SPID_SIZE {
		return nil, invalid("SPID should contain %d bytes, but instead got %d", SPID_SIZE, len(spid))
	}
	return spid, nil
}

// keyFormat picks DER for .der files and PEM otherwise.
func keyFormat(path string) signature.Format {
	if strings.EqualFold(filepath.Ext(path), ".der") {
		return signature.DER
	}
	return signature.PEM
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, invalid("%s: %v", name, err)
	}
	if d < 0 {
		return 0, invalid("%s must not be negative", name)
	}
	return d, nil
}

func parseEndpoints(config *Configuration) (endpoints, error) {
	ep := endpoints{
		clientAddr:      config.ClientAddr,
		enclaveAddr:     config.EnclaveAddr,
		expectedMessage: config.ExpectedMessage,
		maxMessageSize:  config.MaxMessageSize,
	}
	if ep.clientAddr == "" {
		ep.clientAddr = DefaultClientAddr
	}
	if ep.enclaveAddr == "" {
		ep.enclaveAddr = DefaultEnclaveAddr
	}
	if ep.maxMessageSize == 0 {
		ep.maxMessageSize = DefaultMaxMessageSize
	}

	var err error
	if ep.connectTimeout, err = parseDuration("ConnectTimeout", config.ConnectTimeout, DefaultConnectTimeout); err != nil {
		return ep, err
	}
	if ep.connectTimeout == 0 {
		return ep, invalid("ConnectTimeout must be positive")
	}
	if ep.readTimeout, err = parseDuration("ReadTimeout", config.ReadTimeout, 0); err != nil {
		return ep, err
	}
	return ep, nil
}

func parseConfiguration(config *Configuration) (*configuration, error) {
	if config == nil {
		return nil, invalid("no configuration")
	}
	ep, err := parseEndpoints(config)
	if err != nil {
		return nil, err
	}

	cfg := &configuration{
		endpoints:         ep,
		release:           config.Release,
		skipIAS:           config.SkipIAS,
		subscription:      config.Subscription,
		allowedAdvisories: config.AllowedAdvisories,
		allowDebug:        config.AllowDebug,
		linkable:          config.Linkable,
		maxSessions:       config.MaxSessions,
		timeout:           config.Timeout,
	}
	if cfg.maxSessions == 0 {
		cfg.maxSessions = DefaultMaxSessions
	} else if cfg.maxSessions < -1 {
		return nil, invalid("MaxSessions must be positive or -1")
	}
	if cfg.timeout == 0 {
		cfg.timeout = DefaultTimeout
	} else if cfg.timeout < -1 {
		return nil, invalid("Timeout must be positive or -1")
	}

	if cfg.mrenclaves, err = readMREnclaves(config.Mrenclaves); err != nil {
		return nil, err
	}
	if cfg.spid, err = readSPID(config.Spid); err != nil {
		return nil, err
	}
	if config.LongTermKey == "" {
		return nil, invalid("LongTermKey not set")
	}
	if cfg.longTermKey, err = loadPrivateKey(config.LongTermKey); err != nil {
		return nil, err
	}

	if !cfg.skipIAS {
		if cfg.subscription == "" {
			return nil, invalid("Subscription is required unless SkipIAS is set")
		}
		if config.IASReportKey == "" {
			return nil, invalid("IASReportKey is required unless SkipIAS is set")
		}
		if cfg.iasReportKey, err = signature.NewVerificationKeyFromFile(config.IASReportKey, signature.PEM); err != nil {
			return nil, fmt.Errorf("IAS report key: %w", err)
		}
	}

	if config.VerdictKey != "" {
		if cfg.verdictKey, err = signature.NewSigningKeyFromFile(config.VerdictKey, keyFormat(config.VerdictKey)); err != nil {
			return nil, fmt.Errorf("verdict key: %w", err)
		}
	}
	if config.Secret != "" {
		if cfg.secret, err = hex.DecodeString(config.Secret); err != nil {
			return nil, invalid("Secret is not hex: %v", err)
		}
	}
	return cfg, nil
}

// ReadConfiguration decodes the JSON configuration file. Referenced key
// files are only read when the configuration is used.
func ReadConfiguration(fileName string) (*Configuration, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("%w: open configuration: %w", ErrIOFailure, err)
	}
	defer file.Close()

	config := &Configuration{}
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(config); err != nil {
		return nil, invalid("could not json decode %s: %v", fileName, err)
	}
	return config, nil
}
