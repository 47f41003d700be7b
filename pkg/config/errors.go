package config

import "errors"

var (
	// ErrParsingConfig is returned when environment variables cannot be parsed into the config struct
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrCatalogNotFound is returned when the catalog file cannot be read
	ErrCatalogNotFound = errors.New("catalog file not found")

	// ErrInvalidCatalog is returned when the catalog file is malformed or incomplete
	ErrInvalidCatalog = errors.New("invalid catalog")
)
