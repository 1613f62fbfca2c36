package main

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	log = logrus.New()
	log.SetLevel(logrus.PanicLevel)

	os.Exit(m.Run())
}
