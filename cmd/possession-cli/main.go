package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type keyResult struct {
	Key string `json:"key"`
}

// termsFlags binds the flags that describe deal terms to a flag set.
type termsFlags struct {
	registry          *string
	itemID            *string
	possessorAsset    *string
	possessorAmount   *string
	fulfillmentAsset  *string
	fulfillmentAmount *string
	fulfillmentTime   *uint64
}

func bindTerms(fs *flag.FlagSet) *termsFlags {
	return &termsFlags{
		registry:          fs.String("registry", "", "ownership registry address"),
		itemID:            fs.String("item", "", "item id inside the registry"),
		possessorAsset:    fs.String("possessor-asset", "", "asset of the possessor stake"),
		possessorAmount:   fs.String("possessor-amount", "0", "possessor stake amount"),
		fulfillmentAsset:  fs.String("fulfillment-asset", "", "asset of the fulfillment stake"),
		fulfillmentAmount: fs.String("fulfillment-amount", "0", "fulfillment stake amount"),
		fulfillmentTime:   fs.Uint64("fulfillment-time", 0, "seconds allowed for delivery once requested"),
	}
}

func (t *termsFlags) payload() (map[string]interface{}, error) {
	required := map[string]string{
		"--registry":          *t.registry,
		"--item":              *t.itemID,
		"--possessor-asset":   *t.possessorAsset,
		"--fulfillment-asset": *t.fulfillmentAsset,
	}
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("%s is required", name)
		}
	}
	return map[string]interface{}{
		"ownershipToken": map[string]string{
			"registry": strings.TrimSpace(*t.registry),
			"itemId":   strings.TrimSpace(*t.itemID),
		},
		"possessorStake": map[string]string{
			"asset":  strings.TrimSpace(*t.possessorAsset),
			"amount": strings.TrimSpace(*t.possessorAmount),
		},
		"fulfillmentStake": map[string]string{
			"asset":  strings.TrimSpace(*t.fulfillmentAsset),
			"amount": strings.TrimSpace(*t.fulfillmentAmount),
		},
		"fulfillmentTime": *t.fulfillmentTime,
	}, nil
}

func main() {
	defaultRPC := strings.TrimSpace(os.Getenv("POSSESSION_RPC_URL"))
	if defaultRPC == "" {
		defaultRPC = "http://127.0.0.1:8545"
	}
	defaultAuth := strings.TrimSpace(os.Getenv("POSSESSION_RPC_TOKEN"))

	root := flag.NewFlagSet("possession-cli", flag.ExitOnError)
	rpcURL := root.String("rpc", defaultRPC, "JSON-RPC endpoint")
	authToken := root.String("auth", defaultAuth, "Bearer token for state-changing calls")
	root.Parse(os.Args[1:])

	args := root.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	}
	client := &rpcClient{url: *rpcURL, auth: *authToken, out: os.Stdout}
	if code := client.dispatch(args); code != 0 {
		os.Exit(code)
	}
}

type rpcClient struct {
	url  string
	auth string
	out  io.Writer
}

// dealActions maps CLI verbs to the JSON-RPC methods that take caller + terms.
var dealActions = map[string]string{
	"cancel":            "possession_cancel",
	"request":           "possession_requestFulfillment",
	"fulfill":           "possession_markFulfilled",
	"claim":             "possession_claimStakes",
	"owner-consent":     "possession_ownerCancelFulfill",
	"possessor-consent": "possession_possessorCancelFulfill",
	"cancel-fulfill":    "possession_cancelFulfill",
}

func (c *rpcClient) dispatch(args []string) int {
	switch args[0] {
	case "create":
		return c.runCreate(args[1:])
	case "derive-key":
		return c.runDeriveKey(args[1:])
	case "deal":
		return c.runDeal(args[1:])
	case "authority":
		return c.runAuthority(args[1:])
	case "events":
		return c.runEvents(args[1:])
	case "balance":
		return c.runBalance(args[1:])
	case "transfer":
		return c.runTransfer(args[1:])
	case "item":
		return c.runItem(args[1:])
	}
	if method, ok := dealActions[args[0]]; ok {
		return c.runDealAction(args[0], method, args[1:])
	}
	fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
	fmt.Fprintln(os.Stderr, usage())
	return 1
}

func (c *rpcClient) runCreate(args []string) int {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	caller := fs.String("caller", "", "possessor address posting the stake")
	terms := bindTerms(fs)
	fs.Parse(args)
	params, err := actionPayload(*caller, terms)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var created keyResult
	if code := c.invoke("possession_create", params, &created); code != 0 {
		return code
	}
	fmt.Fprintf(c.out, "Deal created with key %s\n", created.Key)
	return 0
}

func (c *rpcClient) runDealAction(name, method string, args []string) int {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	caller := fs.String("caller", "", "address performing the action")
	data := fs.String("data", "", "0x-prefixed delivery data (request only)")
	revoke := fs.Bool("revoke", false, "withdraw a previously given cancel consent")
	terms := bindTerms(fs)
	fs.Parse(args)
	params, err := actionPayload(*caller, terms)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if trimmed := strings.TrimSpace(*data); trimmed != "" {
		params["data"] = trimmed
	}
	if strings.HasSuffix(name, "-consent") {
		params["consent"] = !*revoke
	}
	if code := c.invoke(method, params, nil); code != 0 {
		return code
	}
	fmt.Fprintf(c.out, "%s submitted successfully.\n", name)
	return 0
}

func (c *rpcClient) runDeriveKey(args []string) int {
	fs := flag.NewFlagSet("derive-key", flag.ExitOnError)
	terms := bindTerms(fs)
	fs.Parse(args)
	payload, err := terms.payload()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var derived keyResult
	if code := c.invoke("possession_deriveKey", map[string]interface{}{"terms": payload}, &derived); code != 0 {
		return code
	}
	fmt.Fprintln(c.out, derived.Key)
	return 0
}

func (c *rpcClient) runDeal(args []string) int {
	fs := flag.NewFlagSet("deal", flag.ExitOnError)
	key := fs.String("key", "", "deal key; omit to look up by terms")
	terms := bindTerms(fs)
	fs.Parse(args)
	params := map[string]interface{}{}
	if trimmed := strings.TrimSpace(*key); trimmed != "" {
		params["key"] = trimmed
	} else {
		payload, err := terms.payload()
		if err != nil {
			fmt.Fprintf(os.Stderr, "--key or terms required: %v\n", err)
			return 1
		}
		params["terms"] = payload
	}
	return c.invokeAndPrint("possession_getDeal", params)
}

func (c *rpcClient) runAuthority(args []string) int {
	if len(args) == 0 || args[0] == "get" {
		return c.invokeAndPrint("possession_getAuthority", nil)
	}
	if args[0] != "set" {
		fmt.Fprintf(os.Stderr, "unknown authority subcommand: %s\n", args[0])
		return 1
	}
	fs := flag.NewFlagSet("authority set", flag.ExitOnError)
	caller := fs.String("caller", "", "current authority address")
	next := fs.String("to", "", "new authority address")
	fs.Parse(args[1:])
	if strings.TrimSpace(*caller) == "" || strings.TrimSpace(*next) == "" {
		fmt.Fprintln(os.Stderr, "--caller and --to are required")
		return 1
	}
	return c.invokeAndPrint("possession_setAuthority", map[string]interface{}{
		"caller":    strings.TrimSpace(*caller),
		"authority": strings.TrimSpace(*next),
	})
}

func (c *rpcClient) runEvents(args []string) int {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	after := fs.Uint64("after", 0, "only return events with a greater sequence")
	limit := fs.Int("limit", 0, "maximum number of events to return")
	fs.Parse(args)
	params := map[string]interface{}{"after": *after}
	if *limit > 0 {
		params["limit"] = *limit
	}
	return c.invokeAndPrint("possession_listEvents", params)
}

func (c *rpcClient) runBalance(args []string) int {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	asset := fs.String("asset", "", "asset address")
	account := fs.String("account", "", "account address")
	fs.Parse(args)
	if strings.TrimSpace(*asset) == "" || strings.TrimSpace(*account) == "" {
		fmt.Fprintln(os.Stderr, "--asset and --account are required")
		return 1
	}
	return c.invokeAndPrint("ledger_balanceOf", map[string]interface{}{
		"asset":   strings.TrimSpace(*asset),
		"account": strings.TrimSpace(*account),
	})
}

func (c *rpcClient) runTransfer(args []string) int {
	fs := flag.NewFlagSet("transfer", flag.ExitOnError)
	caller := fs.String("caller", "", "sender address")
	asset := fs.String("asset", "", "asset address")
	to := fs.String("to", "", "recipient address")
	amount := fs.String("amount", "", "amount to move")
	fs.Parse(args)
	if strings.TrimSpace(*caller) == "" || strings.TrimSpace(*asset) == "" || strings.TrimSpace(*to) == "" || strings.TrimSpace(*amount) == "" {
		fmt.Fprintln(os.Stderr, "--caller, --asset, --to and --amount are required")
		return 1
	}
	return c.invokeAndPrint("ledger_transfer", map[string]interface{}{
		"caller": strings.TrimSpace(*caller),
		"asset":  strings.TrimSpace(*asset),
		"to":     strings.TrimSpace(*to),
		"amount": strings.TrimSpace(*amount),
	})
}

func (c *rpcClient) runItem(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: item owner|transfer [options]")
		return 1
	}
	fs := flag.NewFlagSet("item "+args[0], flag.ExitOnError)
	registry := fs.String("registry", "", "ownership registry address")
	item := fs.String("item", "", "item id")
	caller := fs.String("caller", "", "current holder (transfer only)")
	to := fs.String("to", "", "new holder (transfer only)")
	fs.Parse(args[1:])
	if strings.TrimSpace(*registry) == "" || strings.TrimSpace(*item) == "" {
		fmt.Fprintln(os.Stderr, "--registry and --item are required")
		return 1
	}
	switch args[0] {
	case "owner":
		return c.invokeAndPrint("registry_ownerOf", map[string]interface{}{
			"registry": strings.TrimSpace(*registry),
			"itemId":   strings.TrimSpace(*item),
		})
	case "transfer":
		if strings.TrimSpace(*caller) == "" || strings.TrimSpace(*to) == "" {
			fmt.Fprintln(os.Stderr, "--caller and --to are required")
			return 1
		}
		return c.invokeAndPrint("registry_transfer", map[string]interface{}{
			"caller":   strings.TrimSpace(*caller),
			"registry": strings.TrimSpace(*registry),
			"itemId":   strings.TrimSpace(*item),
			"to":       strings.TrimSpace(*to),
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown item subcommand: %s\n", args[0])
		return 1
	}
}

func actionPayload(caller string, terms *termsFlags) (map[string]interface{}, error) {
	if strings.TrimSpace(caller) == "" {
		return nil, fmt.Errorf("--caller is required")
	}
	payload, err := terms.payload()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"caller": strings.TrimSpace(caller), "terms": payload}, nil
}

func (c *rpcClient) invokeAndPrint(method string, params interface{}) int {
	var result json.RawMessage
	if code := c.invoke(method, params, &result); code != 0 {
		return code
	}
	if err := printJSON(c.out, result); err != nil {
		fmt.Fprintf(os.Stderr, "print response: %v\n", err)
		return 1
	}
	return 0
}

// invoke performs the call and decodes the result into dst when dst is non-nil.
func (c *rpcClient) invoke(method string, params interface{}, dst interface{}) int {
	var list []interface{}
	if params != nil {
		list = []interface{}{params}
	}
	result, rpcErr, err := callRPC(c.url, c.auth, method, list)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		printRPCError(rpcErr)
		return 1
	}
	if dst != nil {
		if err := json.Unmarshal(result, dst); err != nil {
			fmt.Fprintf(os.Stderr, "decode %s response: %v\n", method, err)
			return 1
		}
	}
	return 0
}

func callRPC(rpcURL, authToken, method string, params []interface{}) (json.RawMessage, *rpcError, error) {
	if params == nil {
		params = []interface{}{}
	}
	reqBody := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: int(time.Now().UnixNano() & 0x7fffffff)}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, err
	}
	httpReq, err := http.NewRequest(http.MethodPost, rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(authToken) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(authToken))
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, nil, fmt.Errorf("rpc status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("rpc status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return rpcResp.Result, nil, nil
}

func printRPCError(err *rpcError) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "RPC error (%d): %s\n", err.Code, err.Message)
	if len(err.Data) > 0 && string(err.Data) != "null" {
		fmt.Fprintf(os.Stderr, "Details: %s\n", strings.TrimSpace(string(err.Data)))
	}
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, buf.String())
	return err
}

func usage() string {
	return `possession-cli usage:
  possession-cli [--rpc URL] [--auth TOKEN] <command> [options]

Terms flags (all deal commands):
  --registry R --item ID --possessor-asset A --possessor-amount N
  --fulfillment-asset B --fulfillment-amount M --fulfillment-time SECONDS

Commands:
  create --caller P <terms>               Escrow the possessor stake and open a deal
  cancel --caller P <terms>               Withdraw an idle deal
  request --caller O [--data 0x..] <terms>  Post the fulfillment stake
  fulfill --caller O <terms>              Confirm delivery and release both stakes
  claim --caller X <terms>                Forfeit both stakes after the deadline
  owner-consent|possessor-consent --caller X [--revoke] <terms>
  cancel-fulfill --caller X <terms>       Cancel a fulfillment both parties agreed to abandon
  derive-key <terms>                      Print the deal key
  deal --key K | <terms>                  Show a live deal
  authority get | set --caller A --to B   Show or hand over the neutral authority
  events [--after N] [--limit N]          List committed events
  balance --asset A --account X           Show a ledger balance
  transfer --caller X --asset A --to Y --amount N
  item owner|transfer --registry R --item ID [--caller X --to Y]
`
}
