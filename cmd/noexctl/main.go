// Command noexctl is a small demonstration harness for the store: it defines a couple
// of buckets, inserts and queries records, subscribes a reactive query, and runs a
// cross-bucket transaction, printing progress along the way.
package main

import (
	"flag"
	"fmt"
	"log"

	"go.uber.org/zap"

	"github.com/hamicek/noex-store-sub003/config"
	"github.com/hamicek/noex-store-sub003/reactive"
	"github.com/hamicek/noex-store-sub003/ruleengine"
	"github.com/hamicek/noex-store-sub003/schema"
	"github.com/hamicek/noex-store-sub003/storage"
	"github.com/hamicek/noex-store-sub003/store"
	"github.com/hamicek/noex-store-sub003/txn"
	"github.com/hamicek/noex-store-sub003/utils"
)

// orderInput is the typed shape callers build orders from before they're handed to the
// store as a schema.Document; StructToMap is how a typed call site bridges to the
// document model without hand-writing the map[string]any literal.
type orderInput struct {
	UserID string  `json:"userId"`
	Total  float64 `json:"total"`
	Status string  `json:"status"`
}

// orderOutput mirrors orderInput and is how a retrieved schema.Document is bridged back
// to a typed value at the call site (the inverse of utils.StructToMap).
type orderOutput struct {
	ID     string  `json:"id"`
	UserID string  `json:"userId"`
	Total  float64 `json:"total"`
	Status string  `json:"status"`
}

func main() {
	configPath := flag.String("config", "", "path to a store config YAML file defining the 'users'/'orders' buckets the demo uses; when unset the store is built in-process with the same two buckets")
	flag.Parse()

	var s *store.Store
	if *configPath != "" {
		cfg, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config %q: %v", *configPath, err)
		}
		s, err = store.Start(cfg)
		if err != nil {
			log.Fatalf("failed to start store from config: %v", err)
		}
	} else {
		s = newInProcessStore()

		fmt.Println("Defining 'users' bucket...")
		usersDef := &schema.BucketDefinition{
			KeyField: "id",
			Fields: map[string]*schema.FieldDefinition{
				"id":    {Type: schema.FieldTypeString, Generated: schema.GeneratedUUID},
				"name":  {Type: schema.FieldTypeString, Required: true},
				"email": {Type: schema.FieldTypeString, Required: true, Unique: true, Format: schema.FormatEmail},
				"age":   {Type: schema.FieldTypeNumber},
			},
			Persistent: true,
		}
		if err := s.DefineBucket("users", usersDef); err != nil {
			log.Fatalf("failed to define bucket 'users': %v", err)
		}

		fmt.Println("Defining 'orders' bucket...")
		ordersDef := &schema.BucketDefinition{
			KeyField: "id",
			Fields: map[string]*schema.FieldDefinition{
				"id":     {Type: schema.FieldTypeString, Generated: schema.GeneratedUUID},
				"userId": {Type: schema.FieldTypeString, Required: true},
				"total":  {Type: schema.FieldTypeNumber, Required: true},
				"status": {Type: schema.FieldTypeString, Enum: []any{"pending", "paid", "shipped"}},
			},
			Indexes: []string{"userId"},
		}
		if err := s.DefineBucket("orders", ordersDef); err != nil {
			log.Fatalf("failed to define bucket 'orders': %v", err)
		}
	}
	defer s.Stop()

	usersBucket, err := s.Bucket("users")
	if err != nil {
		log.Fatalf("failed to fetch bucket 'users': %v", err)
	}

	fmt.Println("Inserting users...")
	alice, err := usersBucket.Insert(schema.Document{"name": "Alice Smith", "email": "alice@example.com", "age": 30.0})
	if err != nil {
		log.Fatalf("failed to insert Alice: %v", err)
	}
	if _, err := usersBucket.Insert(schema.Document{"name": "Bob Jones", "email": "bob@example.com", "age": 24.0}); err != nil {
		log.Fatalf("failed to insert Bob: %v", err)
	}
	aliceID := alice["id"].(string)

	fmt.Println("Defining reactive query 'activeOrderTotal'...")
	err = s.DefineQuery("activeOrderTotal", func(ctx *reactive.RecordingContext, params any) (any, error) {
		userID, _ := params.(string)
		orders := ctx.Bucket("orders").Where(map[string]any{"userId": userID})
		total := 0.0
		for _, o := range orders {
			if v, ok := o["total"].(float64); ok {
				total += v
			}
		}
		return total, nil
	})
	if err != nil {
		log.Fatalf("failed to define query: %v", err)
	}

	unsubscribe, err := s.Subscribe("activeOrderTotal", aliceID, func(result any, err error) {
		fmt.Printf("activeOrderTotal for Alice changed: %v (err=%v)\n", result, err)
	})
	if err != nil {
		log.Fatalf("failed to subscribe: %v", err)
	}
	defer unsubscribe()

	fmt.Println("Running a cross-bucket transaction: insert order + bump user age...")
	err = s.Transaction(func(tx *txn.Tx) error {
		orders, err := tx.Bucket("orders")
		if err != nil {
			return err
		}
		orderDoc, err := utils.StructToMap(orderInput{UserID: aliceID, Total: 42.50, Status: "pending"})
		if err != nil {
			return err
		}
		if _, err := orders.Insert(orderDoc); err != nil {
			return err
		}
		users, err := tx.Bucket("users")
		if err != nil {
			return err
		}
		_, err = users.Update(aliceID, schema.Document{"age": 31.0})
		return err
	})
	if err != nil {
		log.Fatalf("transaction failed: %v", err)
	}

	s.Settle()

	stats := s.GetStats()
	fmt.Printf("users bucket stats: %+v\n", stats["users"])
	fmt.Printf("orders bucket stats: %+v\n", stats["orders"])

	ordersBucket, err := s.Bucket("orders")
	if err != nil {
		log.Fatalf("failed to fetch bucket 'orders': %v", err)
	}
	for _, doc := range ordersBucket.Where(map[string]any{"userId": aliceID}) {
		order, err := utils.MapToStruct[orderOutput](doc)
		if err != nil {
			log.Fatalf("failed to decode order: %v", err)
		}
		fmt.Printf("order for Alice: %+v\n", order)
	}
}

// newInProcessStore builds the store used when no -config path is given: a logger and
// an in-memory storage adapter, as store.Start would build from a StoreConfig, plus a
// rules engine (which store.Start does not attach), assembled directly through
// functional options.
func newInProcessStore() *store.Store {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	rules := ruleengine.New()
	rules.AddRule("orders", ruleengine.Rule{
		Field:      "total",
		Message:    "total must be positive",
		Expression: "record.total > 0",
	})

	return store.New(
		store.WithLogger(logger),
		store.WithStorageAdapter(storage.NewMemory(), func(err error) {
			logger.Warn("persistence error", zap.Error(err))
		}),
		store.WithRuleChecker(rules),
	)
}
