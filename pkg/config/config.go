// Package config loads queue-pair tuning defaults from an .ini file, the
// same format (and library, gopkg.in/ini.v1) the teacher uses to parse EDS
// object-dictionary files: a handful of named sections read with typed
// accessors rather than a bespoke format.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"

	"github.com/samsamfire/roce"
)

// QP holds the modify_qp parameters a deployment wants to default to,
// rather than hard-coding them in a command-line tool (§4.4 "State
// machine").
type QP struct {
	PMTU          roce.PMTU
	DstQPN        uint32
	Access        roce.AccessFlags
	RQPSN         roce.PSN
	SQPSN         roce.PSN
	RNRTimer      int
	RetryCount    int
	RNRRetryCount int
}

// Defaults returns the tuning values this module ships with absent any
// configuration file.
func Defaults() QP {
	return QP{
		PMTU:          roce.PMTU1024,
		Access:        roce.AccessRemoteWrite | roce.AccessRemoteRead | roce.AccessRemoteAtomic,
		RNRTimer:      7,
		RetryCount:    7,
		RNRRetryCount: 7,
	}
}

// Load parses path as an .ini file with a "[qp]" section and overlays any
// keys present onto Defaults(), the way the teacher's EDS parser overlays
// section values onto an object dictionary's entries.
func Load(path string) (QP, error) {
	cfg := Defaults()

	f, err := ini.Load(path)
	if err != nil {
		return QP{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	if !f.HasSection("qp") {
		return cfg, nil
	}
	sec := f.Section("qp")

	if k := sec.Key("pmtu"); k.String() != "" {
		pmtu := roce.PMTU(k.MustUint(uint(cfg.PMTU)))
		if !pmtu.Valid() {
			return QP{}, fmt.Errorf("config: invalid pmtu %d", pmtu)
		}
		cfg.PMTU = pmtu
	}
	cfg.DstQPN = uint32(sec.Key("dst_qpn").MustUint(uint(cfg.DstQPN)))
	cfg.RQPSN = roce.PSN(sec.Key("rq_psn").MustUint(0))
	cfg.SQPSN = roce.PSN(sec.Key("sq_psn").MustUint(0))
	cfg.RNRTimer = sec.Key("rnr_timer").MustInt(cfg.RNRTimer)
	cfg.RetryCount = sec.Key("retry_count").MustInt(cfg.RetryCount)
	cfg.RNRRetryCount = sec.Key("rnr_retry_count").MustInt(cfg.RNRRetryCount)

	access := cfg.Access
	if sec.HasKey("access_remote_write") {
		access = setFlag(access, roce.AccessRemoteWrite, sec.Key("access_remote_write").MustBool(true))
	}
	if sec.HasKey("access_remote_read") {
		access = setFlag(access, roce.AccessRemoteRead, sec.Key("access_remote_read").MustBool(true))
	}
	if sec.HasKey("access_remote_atomic") {
		access = setFlag(access, roce.AccessRemoteAtomic, sec.Key("access_remote_atomic").MustBool(true))
	}
	cfg.Access = access

	return cfg, nil
}

func setFlag(f roce.AccessFlags, bit roce.AccessFlags, on bool) roce.AccessFlags {
	if on {
		return f | bit
	}
	return f &^ bit
}
