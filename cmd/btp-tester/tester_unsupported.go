//go:build !linux

package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/viamrobotics/btipc/utils"
)

func run(ctx context.Context, cfg utils.TransportConfig) error {
	return errors.New(binaryName + " requires Linux and BlueZ")
}
