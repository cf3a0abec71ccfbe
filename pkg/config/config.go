package config

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/ethan/raop-client/pkg/ntp"
)

// Config holds the settings needed to connect to one RAOP receiver.
type Config struct {
	Peer      PeerConfig
	Audio     AudioConfig
	Crypto    CryptoConfig
}

// PeerConfig addresses the RAOP receiver and identifies this client to it.
type PeerConfig struct {
	Addr      string // "host:port" of the receiver's RTSP port
	UserAgent string
}

// AudioConfig controls the outgoing audio format and pacing.
type AudioConfig struct {
	SampleRate     ntp.SampleRate
	FramesPerChunk ntp.Frames
	Latency        ntp.Frames
}

// CryptoConfig controls pairing and payload encryption.
type CryptoConfig struct {
	PairingSecretHex string // empty skips auth-setup/pair-verify
	Encrypted        bool
	AESKeyHex        string
	AESIVHex         string
}

// AESKey decodes AESKeyHex, returning nil if it is empty.
func (c CryptoConfig) AESKey() ([]byte, error) { return decodeHexKey(c.AESKeyHex) }

// AESIV decodes AESIVHex, returning nil if it is empty.
func (c CryptoConfig) AESIV() ([]byte, error) { return decodeHexKey(c.AESIVHex) }

func decodeHexKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

// Load reads configuration from a .env-style key=value file.
func Load(envPath string) (*Config, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	cfg := &Config{
		Peer:  PeerConfig{UserAgent: "iTunes/7.6.2 (Windows; N;)"},
		Audio: AudioConfig{SampleRate: 44100, FramesPerChunk: 352},
	}
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}

		switch key {
		case "peer_addr":
			cfg.Peer.Addr = decodedValue
		case "user_agent":
			cfg.Peer.UserAgent = decodedValue
		case "sample_rate":
			n, convErr := strconv.Atoi(decodedValue)
			if convErr == nil {
				cfg.Audio.SampleRate = ntp.SampleRate(n)
			}
		case "frames_per_chunk":
			n, convErr := strconv.Atoi(decodedValue)
			if convErr == nil {
				cfg.Audio.FramesPerChunk = ntp.Frames(n)
			}
		case "latency":
			n, convErr := strconv.Atoi(decodedValue)
			if convErr == nil {
				cfg.Audio.Latency = ntp.Frames(n)
			}
		case "pairing_secret":
			cfg.Crypto.PairingSecretHex = decodedValue
		case "encrypted":
			cfg.Crypto.Encrypted = decodedValue == "true" || decodedValue == "1"
		case "aes_key":
			cfg.Crypto.AESKeyHex = decodedValue
		case "aes_iv":
			cfg.Crypto.AESIVHex = decodedValue
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are present and
// internally consistent.
func (c *Config) Validate() error {
	if c.Peer.Addr == "" {
		return fmt.Errorf("missing peer_addr")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("invalid sample_rate")
	}
	if c.Audio.FramesPerChunk <= 0 {
		return fmt.Errorf("invalid frames_per_chunk")
	}
	if c.Crypto.Encrypted {
		key, err := c.Crypto.AESKey()
		if err != nil {
			return fmt.Errorf("invalid aes_key: %w", err)
		}
		if len(key) != 16 {
			return fmt.Errorf("aes_key must decode to 16 bytes when encrypted=true")
		}
		iv, err := c.Crypto.AESIV()
		if err != nil {
			return fmt.Errorf("invalid aes_iv: %w", err)
		}
		if len(iv) != 16 {
			return fmt.Errorf("aes_iv must decode to 16 bytes when encrypted=true")
		}
	}
	return nil
}
