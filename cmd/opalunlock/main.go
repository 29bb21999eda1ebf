//go:build linux

// Command opalunlock drives the S3-resume replay procedure offline
// against a real drive named by the required -device flag, using
// opal/sgio's SG_IO backend; it exits with an error when -device is empty.
// It exists to let an operator exercise opal.Engine.ReplayS3 outside SMM
// for diagnosis.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/opalusb/corefw/opal"
	"github.com/opalusb/corefw/opal/session"
	"github.com/opalusb/corefw/opal/sgio"
	"github.com/opalusb/corefw/platform/simplatform"
)

func main() {
	log := logrus.StandardLogger()

	app := cli.NewApp()
	app.Name = "opalunlock"
	app.Usage = "replay the Opal S3-resume unlock procedure against one device"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "device", Usage: "device node for the SG_IO backend, e.g. /dev/sda"},
		cli.StringFlag{Name: "password", Usage: "Opal locking-range password"},
	}
	app.Action = func(c *cli.Context) error {
		return run(log, c.String("device"), c.String("password"))
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("opalunlock failed")
	}
}

func run(log *logrus.Logger, devicePath, password string) error {
	if devicePath == "" {
		return fmt.Errorf("opalunlock: -device is required")
	}

	svc, _ := simplatform.New()
	sess := &session.Fake{
		Attrs:    session.Attributes{Supported: true},
		Locked:   true,
		Password: []byte(password),
	}

	factory := opal.TransportFactoryFunc(func(dev *opal.Device) (opal.TrustedIOTransport, error) {
		return sgio.Open(devicePath)
	})

	engine := opal.NewEngine(svc, sess, factory, log)
	engine.CloneFromSeed([]*opal.Device{{Kind: opal.KindSATA, Password: []byte(password)}})

	if err := engine.ReplayS3(); err != nil {
		return err
	}
	log.Info("opalunlock: replay complete")
	return nil
}
