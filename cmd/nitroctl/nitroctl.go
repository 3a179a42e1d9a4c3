// Copyright 2024 The Trussed SDK authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// nitroctl inspects and updates Trussed secure-element devices.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"k8s.io/klog/v2"

	"github.com/trussed-dev/go-trussed/trussed"
)

type Config struct {
	list      bool
	status    bool
	rng       bool
	reboot    bool
	container string
	model     string
	yes       bool
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)
	klog.InitFlags(nil)

	conf = &Config{}

	flag.BoolVar(&conf.list, "l", false, "list attached devices")
	flag.BoolVar(&conf.status, "s", false, "print device status")
	flag.BoolVar(&conf.rng, "r", false, "read one block of device entropy")
	flag.BoolVar(&conf.reboot, "b", false, "reboot the device")
	flag.StringVar(&conf.container, "u", "", "update firmware from a release container file")
	flag.StringVar(&conf.model, "m", "nk3", "device model (nk3 or nkpk)")
	flag.BoolVar(&conf.yes, "y", false, "proceed past update warnings without asking")
}

func parseModel(s string) (trussed.Model, error) {
	switch s {
	case "nk3":
		return trussed.NK3, nil
	case "nkpk":
		return trussed.NKPK, nil
	}
	return 0, fmt.Errorf("unknown model %q (want nk3 or nkpk)", s)
}

func confirm(msg string) bool {
	var res string

	fmt.Printf("%s (y/n): ", msg)
	fmt.Scanln(&res)

	return res == "y"
}

func main() {
	var err error

	defer func() {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}

		if err != nil {
			log.Fatalf("fatal error, %s", err)
		}
	}()

	flag.Parse()

	var model trussed.Model
	if model, err = parseModel(conf.model); err != nil {
		return
	}

	switch {
	case conf.list:
		err = list(model)
	case conf.status:
		err = status(model)
	case conf.rng:
		err = rng(model)
	case conf.reboot:
		err = reboot(model)
	case len(conf.container) > 0:
		err = runUpdate(model, conf.container, conf.yes)
	}
}
