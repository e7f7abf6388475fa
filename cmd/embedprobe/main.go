// Command embedprobe vectorises a single record with the service configuration
// and prints the resulting custom skill record.
//
//	embedprobe -field title="Hello" -field body="World"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ncecere/compass_skill/internal/adapters/azureopenai"
	"github.com/ncecere/compass_skill/internal/config"
	"github.com/ncecere/compass_skill/internal/models"
	"github.com/ncecere/compass_skill/internal/vectoriser"
)

type fieldFlags []string

func (f *fieldFlags) String() string { return strings.Join(*f, ",") }

func (f *fieldFlags) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("field %q must be name=text", v)
	}
	*f = append(*f, v)
	return nil
}

func main() {
	var (
		fields     fieldFlags
		configFile = flag.String("config", "", "path to skill.yaml")
		recordID   = flag.String("id", "probe", "record id")
		timeout    = flag.Duration("timeout", 5*time.Minute, "overall deadline, including rate limit backoff")
	)
	flag.Var(&fields, "field", "name=text pair, repeatable")
	flag.Parse()

	if len(fields) == 0 {
		log.Fatalf("at least one -field is required")
	}

	cfg, err := config.Load(config.Options{ConfigFile: *configFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	embedder, err := azureopenai.New(azureopenai.Options{
		Endpoint:   cfg.Compass.Endpoint,
		APIKey:     cfg.Compass.APIKey,
		APIVersion: cfg.Compass.APIVersion,
		Timeout:    cfg.Compass.RequestTimeout,
	})
	if err != nil {
		log.Fatalf("init compass client: %v", err)
	}
	vec, err := vectoriser.New(vectoriser.Options{
		Embedder: embedder,
		Model:    cfg.Compass.EmbeddingModel,
		Policy:   vectoriser.PolicyFromConfig(cfg.Vectorise),
	})
	if err != nil {
		log.Fatalf("init vectoriser: %v", err)
	}

	rec := models.InputRecord{RecordID: *recordID}
	for _, pair := range fields {
		name, text, _ := strings.Cut(pair, "=")
		rec.Data = append(rec.Data, models.Field{Name: name, Text: text})
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out := vec.Vectorise(ctx, rec)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode: %v", err)
	}
	if out.Failed() {
		os.Exit(1)
	}
}
