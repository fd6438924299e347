// Command loxvm-plugin-dynamodb is a sibling process hosting the AWS
// SDK so the main interpreter binary never links it in directly. It
// speaks the same line-delimited JSON-RPC protocol as internal/plugin:
// one request object per input line, one response object per output
// line.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
)

// request/response mirror internal/plugin.Request/Response field for
// field; they are redeclared here rather than imported so this binary
// stays link-independent of the VM module.
type request struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type response struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

var (
	clientsMu sync.Mutex
	clients   = make(map[string]*dynamodb.Client)
)

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	encoder := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			encoder.Encode(response{Error: fmt.Sprintf("parse error: %v", err)})
			continue
		}

		result, err := dispatch(req)
		resp := response{Result: result}
		if err != nil {
			resp.Error = err.Error()
		}
		if err := encoder.Encode(resp); err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode response: %v\n", err)
		}
	}
}

func dispatch(req request) (interface{}, error) {
	switch req.Method {
	case "connect":
		return connect(req.Params)
	case "put_item":
		return putItem(req.Params)
	case "get_item":
		return getItem(req.Params)
	case "delete_item":
		return deleteItem(req.Params)
	case "scan":
		return scan(req.Params)
	default:
		return nil, fmt.Errorf("unknown method: %s", req.Method)
	}
}

func connect(params []interface{}) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("connect expects an options map")
	}
	options, _ := params[0].(map[string]interface{})

	region := "us-east-1"
	if r, ok := options["region"].(string); ok {
		region = r
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg)
	id := uuid.NewString()

	clientsMu.Lock()
	clients[id] = client
	clientsMu.Unlock()

	return id, nil
}

func putItem(params []interface{}) (interface{}, error) {
	if len(params) < 3 {
		return nil, fmt.Errorf("put_item expects (client_id, table, item)")
	}
	clientID, _ := params[0].(string)
	table, _ := params[1].(string)
	item, ok := params[2].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("item must be a map")
	}

	client, err := clientFor(clientID)
	if err != nil {
		return nil, err
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}

	_, err = client.PutItem(context.TODO(), &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	})
	if err != nil {
		return nil, err
	}
	return true, nil
}

func getItem(params []interface{}) (interface{}, error) {
	if len(params) < 3 {
		return nil, fmt.Errorf("get_item expects (client_id, table, key)")
	}
	clientID, _ := params[0].(string)
	table, _ := params[1].(string)
	key, ok := params[2].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("key must be a map")
	}

	client, err := clientFor(clientID)
	if err != nil {
		return nil, err
	}

	avKey, err := attributevalue.MarshalMap(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}

	out, err := client.GetItem(context.TODO(), &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key:       avKey,
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, nil
	}

	var result map[string]interface{}
	if err := attributevalue.UnmarshalMap(out.Item, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return result, nil
}

func deleteItem(params []interface{}) (interface{}, error) {
	if len(params) < 3 {
		return nil, fmt.Errorf("delete_item expects (client_id, table, key)")
	}
	clientID, _ := params[0].(string)
	table, _ := params[1].(string)
	key, ok := params[2].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("key must be a map")
	}

	client, err := clientFor(clientID)
	if err != nil {
		return nil, err
	}

	avKey, err := attributevalue.MarshalMap(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}

	_, err = client.DeleteItem(context.TODO(), &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       avKey,
	})
	if err != nil {
		return nil, err
	}
	return true, nil
}

func scan(params []interface{}) (interface{}, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("scan expects (client_id, table)")
	}
	clientID, _ := params[0].(string)
	table, _ := params[1].(string)

	client, err := clientFor(clientID)
	if err != nil {
		return nil, err
	}

	out, err := client.Scan(context.TODO(), &dynamodb.ScanInput{TableName: aws.String(table)})
	if err != nil {
		return nil, err
	}

	var items []map[string]interface{}
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	return items, nil
}

func clientFor(id string) (*dynamodb.Client, error) {
	clientsMu.Lock()
	defer clientsMu.Unlock()
	client, ok := clients[id]
	if !ok {
		return nil, fmt.Errorf("client not found: %s", id)
	}
	return client, nil
}
