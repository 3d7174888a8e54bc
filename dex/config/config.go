// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package config loads INI formatted settings files.
package config

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
)

// OptionsMapToINIData generates INI data from flat settings. Keys are written
// in sorted order so the output is stable.
func OptionsMapToINIData(options map[string]string) []byte {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buffer bytes.Buffer
	for _, key := range keys {
		buffer.WriteString(fmt.Sprintf("%s=%s\n", key, options[key]))
	}
	return buffer.Bytes()
}

// Options returns a collection of all key-value options in the provided
// config file path or []byte data, ignoring section headers.
func Options(cfgPathOrData any) (map[string]string, error) {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return nil, err
	}
	options := make(map[string]string)
	for _, section := range cfgFile.Sections() {
		for _, key := range section.Keys() {
			options[key.Name()] = key.String()
		}
	}
	return options, nil
}

// Sections returns the options of every named section. The default section
// is omitted.
func Sections(cfgPathOrData any) (map[string]map[string]string, error) {
	cfgFile, err := ini.Load(cfgPathOrData)
	if err != nil {
		return nil, err
	}
	sections := make(map[string]map[string]string)
	for _, section := range cfgFile.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		opts := make(map[string]string, len(section.Keys()))
		for _, key := range section.Keys() {
			opts[key.Name()] = key.String()
		}
		sections[strings.ToLower(section.Name())] = opts
	}
	return sections, nil
}

// ListValue splits a comma or whitespace separated option value.
func ListValue(v string) []string {
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// Parse parses config options from the provided config file path or []byte
// data into the specified struct, which should use `ini` field tags. Section
// headers are flattened.
func Parse(cfgPathOrData, obj any) error {
	opts, err := Options(cfgPathOrData)
	if err != nil {
		return err
	}
	cfgFile, err := ini.Load(OptionsMapToINIData(opts))
	if err != nil {
		return err
	}
	return cfgFile.MapTo(obj)
}
