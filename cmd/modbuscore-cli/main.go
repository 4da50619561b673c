// Command modbuscore-cli is a small interactive/scriptable client for
// exercising a modbuscore server from the command line: point it at a
// tcp:// or rtu:// endpoint and feed it colon-delimited operations such as
// rh:0:10 (read 10 holding registers at address 0) or wr:5:1234 (write
// register 5).
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	modbus "github.com/mbcore/modbuscore"
	"go.bug.st/serial"
)

func main() {
	var (
		url      = flag.String("url", "", "target URL, e.g. tcp://plc:502 or rtu:///dev/ttyUSB0")
		unitID   = flag.Uint("unit", 1, "unit/slave id")
		speed    = flag.Int("speed", 19200, "serial link speed (rtu only)")
		timeout  = flag.Duration("timeout", time.Second, "per-request timeout")
		maxRetry = flag.Int("retry", 2, "max retries per request")
	)
	flag.Usage = usage
	flag.Parse()

	if *url == "" || flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:      *url,
		Speed:    *speed,
		Parity:   serial.EvenParity,
		Timeout:  *timeout,
		MaxRetry: *maxRetry,
	})
	if err != nil {
		fatalf("configuration error: %v", err)
	}

	if err := client.Open(); err != nil {
		fatalf("failed to open %s: %v", *url, err)
	}
	defer client.Close()

	client.SetUnitID(uint8(*unitID))

	status := 0
	for _, op := range flag.Args() {
		if err := runOp(client, op); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", op, err)
			status = 1
		}
	}
	os.Exit(status)
}

// runOp executes a single colon-delimited operation against client.
//
// Supported operations:
//
//	rc:<addr>:<qty>      read coils
//	rdi:<addr>:<qty>     read discrete inputs
//	rh:<addr>:<qty>      read holding registers
//	ri:<addr>:<qty>      read input registers
//	wc:<addr>:<0|1>      write single coil
//	wr:<addr>:<value>    write single register
//	wcs:<addr>:<bits...> write multiple coils (comma separated 0/1)
//	wrs:<addr>:<vals...> write multiple registers (comma separated)
//	ident                read device identification
func runOp(client *modbus.Client, op string) error {
	fields := strings.Split(op, ":")
	code := fields[0]

	if code == "ident" {
		objects, err := client.ReadDeviceIdentification()
		if err != nil {
			return err
		}
		for id, val := range objects {
			fmt.Printf("%s[0x%02x] = %q\n", op, id, val)
		}
		return nil
	}

	if len(fields) < 3 {
		return fmt.Errorf("expected <op>:<addr>:<value(s)>, got %q", op)
	}

	addr, err := parseUint16(fields[1])
	if err != nil {
		return fmt.Errorf("bad address: %w", err)
	}

	switch code {
	case "rc":
		qty, err := parseUint16(fields[2])
		if err != nil {
			return err
		}
		values, err := client.ReadCoils(addr, qty)
		if err != nil {
			return err
		}
		fmt.Printf("%s = %v\n", op, values)

	case "rdi":
		qty, err := parseUint16(fields[2])
		if err != nil {
			return err
		}
		values, err := client.ReadDiscreteInputs(addr, qty)
		if err != nil {
			return err
		}
		fmt.Printf("%s = %v\n", op, values)

	case "rh", "ri":
		qty, err := parseUint16(fields[2])
		if err != nil {
			return err
		}
		regType := modbus.HoldingRegister
		if code == "ri" {
			regType = modbus.InputRegister
		}
		values, err := client.ReadRegisters(addr, qty, regType)
		if err != nil {
			return err
		}
		fmt.Printf("%s = %v\n", op, values)

	case "wc":
		value := fields[2] == "1" || strings.EqualFold(fields[2], "true")
		if err := client.WriteCoil(addr, value); err != nil {
			return err
		}

	case "wr":
		value, err := parseUint16(fields[2])
		if err != nil {
			return err
		}
		if err := client.WriteRegister(addr, value); err != nil {
			return err
		}

	case "wcs":
		values, err := parseBoolList(fields[2:])
		if err != nil {
			return err
		}
		if err := client.WriteCoils(addr, values); err != nil {
			return err
		}

	case "wrs":
		values, err := parseUint16List(fields[2:])
		if err != nil {
			return err
		}
		if err := client.WriteRegisters(addr, values); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown operation %q", code)
	}

	return nil
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func parseUint16List(fields []string) ([]uint16, error) {
	var out []uint16
	for _, raw := range strings.Split(strings.Join(fields, ","), ",") {
		v, err := parseUint16(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseBoolList(fields []string) ([]bool, error) {
	var out []bool
	for _, raw := range strings.Split(strings.Join(fields, ","), ",") {
		out = append(out, raw == "1" || strings.EqualFold(raw, "true"))
	}
	return out, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `modbuscore-cli: exercise a modbus server from the command line

Usage:
  modbuscore-cli -url tcp://host:502 [flags] <op> [<op> ...]
  modbuscore-cli -url rtu:///dev/ttyUSB0 -speed 9600 [flags] <op> [<op> ...]

Flags:
`)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Operations (colon separated):
  rc:<addr>:<qty>       read coils
  rdi:<addr>:<qty>      read discrete inputs
  rh:<addr>:<qty>       read holding registers
  ri:<addr>:<qty>       read input registers
  wc:<addr>:<0|1>       write single coil
  wr:<addr>:<value>     write single register
  wcs:<addr>:<bits,...> write multiple coils
  wrs:<addr>:<vals,...> write multiple registers
  ident                 read device identification (FC 0x2B)
`)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
