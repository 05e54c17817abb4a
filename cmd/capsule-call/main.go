// capsule-call is a small driver exercising a worker end to end: it
// initializes a sandbox, runs a string operation through the transaction
// wrapper and prints the result.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	sapi "github.com/ccock/sandboxed-api"
	"github.com/ccock/sandboxed-api/vars"
)

func main() {
	workerPath := flag.String("worker", "capsule-worker", "path to the worker binary")
	op := flag.String("op", "reverse_string", "library function to call")
	input := flag.String("input", "0123456789", "input buffer content")
	policyFile := flag.String("policy", "", "optional YAML policy extension")
	retries := flag.Int("retries", 1, "transaction retry budget")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	sb := sapi.New(sapi.Options{
		LibPath:    *workerPath,
		PolicyFile: *policyFile,
		Logger:     logger,
	})
	tx := sapi.NewTransaction(sb, sapi.WithRetries(*retries))
	defer sb.Close()

	param := vars.NewLenVal([]byte(*input))
	err := tx.Run(func(s *sapi.Sandbox) error {
		ret := vars.NewInt(0)
		if err := s.Call(*op, ret, vars.PtrBoth(param)); err != nil {
			return err
		}
		if ret.Value() == 0 {
			return fmt.Errorf("%s() reported failure", *op)
		}
		return nil
	})
	if err != nil {
		logger.Error("call failed", "op", *op, "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s(%q) = %q\n", *op, *input, string(param.Data()))
}
