package main

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ============================================================================
// Wire protocol
// ============================================================================
// One request per connection, plain text, terminated by the client closing
// its write side:
//
//   get-volume               reply "<percent>%" (two decimals) or empty
//   <volume>                 change with the default duration
//   <volume> <duration_ms>   change over an explicit duration
//
// <volume> is ['+'|'-'] number ['%']. A sign makes the change relative, a
// trailing '%' divides the number by 100.
// ============================================================================

const queryVolumeRequest = "get-volume"

// ErrInvalidVolume is returned by Parse when the volume argument is not a number.
var ErrInvalidVolume = errors.New("invalid volume")

// Parse decodes one request payload into a Command.
// A QueryVolume is returned without a reply channel; the listener attaches one.
func Parse(text string) (Command, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == queryVolumeRequest {
		return QueryVolume{}, nil
	}

	arg, rest, _ := strings.Cut(trimmed, " ")

	change, err := parseVolumeArg(arg)
	if err != nil {
		return nil, err
	}

	cmd := ChangeVolume{Change: change}

	// A bad duration never invalidates the change; it falls back to the default.
	if d, err := strconv.ParseFloat(strings.TrimSpace(rest), 64); err == nil {
		cmd.DurationMS = &d
	}

	return cmd, nil
}

func parseVolumeArg(arg string) (VolumeChange, error) {
	num := arg
	var sign byte
	if strings.HasPrefix(num, "+") || strings.HasPrefix(num, "-") {
		sign = num[0]
		num = num[1:]
	}

	percent := strings.HasSuffix(num, "%")
	num = strings.TrimSuffix(num, "%")

	v, err := strconv.ParseFloat(num, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVolume, arg)
	}
	if percent {
		v /= 100
	}

	switch sign {
	case '+':
		return Increase{Delta: v}, nil
	case '-':
		// "--5" stays a decrease.
		return Increase{Delta: -math.Abs(v)}, nil
	default:
		return Absolute{Value: v}, nil
	}
}

// FormatPercent renders a linear volume as the get-volume reply text.
func FormatPercent(linear float64) string {
	return fmt.Sprintf("%.2f%%", linear*100)
}
