// FILE: env.go
// Package main – Environment helpers for the trading bot.
//
// This file provides:
//   1) Small helpers to read settings with sane defaults
//      (strings, ints, floats, bools, comma lists).
//   2) A loader (loadBotEnv) that layers a dotenv file (BOT_ENV_FILE,
//      default ./bot.env) under the process environment using viper.
//
// Notes:
//   • Process env always wins over the file, so `KEY=x ./bot` overrides bot.env.
//   • A missing file is not an error; the bot then relies on process env only.
package main

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// botEnv is the settings source used by every getEnv* helper.
var botEnv = newBotEnv()

func newBotEnv() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}

// loadBotEnv reads the dotenv file named by BOT_ENV_FILE (default ./bot.env).
func loadBotEnv() {
	path := getEnv("BOT_ENV_FILE", "./bot.env")
	v := newBotEnv()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		log.Info().Str("path", path).Msg("env: file not found, relying on process env")
		botEnv = v
		return
	}
	botEnv = v
	log.Info().Str("path", path).Msg("env: loaded")
}

// --------- Env helpers (used across files) ---------

func getEnv(key, def string) string {
	if v := strings.TrimSpace(botEnv.GetString(key)); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(getEnv(key, "")) {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// getEnvList splits a comma list, dropping blanks; upper-cased for symbols.
func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// getEnvFloats parses a comma list of floats; any bad entry falls back to def.
func getEnvFloats(key string, def []float64) []float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []float64
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return def
		}
		out = append(out, f)
	}
	return out
}
