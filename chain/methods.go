package chain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Method names the relay accepts. Each maps to one DungeonManager function.
const (
	MethodRegister   = "register"
	MethodJoin       = "join"
	MethodAction     = "action"
	MethodDMResponse = "dm_response"
	MethodAcceptDM   = "accept_dm"
)

// RegisterParams registers an agent wallet with the contract.
type RegisterParams struct {
	Wallet string `json:"wallet"`
}

// JoinParams enters a dungeon. The call carries the fixed entry bond as
// transaction value.
type JoinParams struct {
	DungeonID uint64 `json:"dungeonId"`
}

// ActionParams submits a player turn.
type ActionParams struct {
	SessionID uint64 `json:"sessionId"`
	TurnIndex uint64 `json:"turnIndex"`
	Action    string `json:"action"`
}

// DMAction is one effect inside a DM response. Types follow the contract's
// DMActionType enum: 0 narrate, 1 gold, 2 xp, 3 damage, 4 kill, 5 complete,
// 6 fail.
type DMAction struct {
	ActionType uint8  `json:"actionType"`
	Target     string `json:"target"`
	Value      uint64 `json:"value"`
	Narrative  string `json:"narrative"`
}

// DMResponseParams resolves a turn on behalf of the session's DM.
type DMResponseParams struct {
	SessionID uint64     `json:"sessionId"`
	TurnIndex uint64     `json:"turnIndex"`
	Narrative string     `json:"narrative"`
	Actions   []DMAction `json:"actions"`
	DM        string     `json:"dm"`
}

// AcceptDMParams claims the DM seat for a session within its DM epoch.
type AcceptDMParams struct {
	SessionID uint64 `json:"sessionId"`
	Epoch     uint64 `json:"epoch"`
	DM        string `json:"dm"`
}

// dmActionTuple matches the contract's DMAction struct layout for ABI packing.
type dmActionTuple struct {
	ActionType uint8          `abi:"actionType"`
	Target     common.Address `abi:"target"`
	Value      *big.Int       `abi:"value"`
	Narrative  string         `abi:"narrative"`
}

// KnownMethod reports whether name is a relayable method.
func KnownMethod(name string) bool {
	switch name {
	case MethodRegister, MethodJoin, MethodAction, MethodDMResponse, MethodAcceptDM:
		return true
	}
	return false
}

// packCall decodes the stored params for a method and ABI-encodes the
// contract call. It also returns the native value the call must carry.
func (c *Client) packCall(method, paramsJSON string) (data []byte, value *big.Int, err error) {
	value = new(big.Int)
	switch method {
	case MethodRegister:
		var p RegisterParams
		if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
			return nil, nil, fmt.Errorf("decode register params: %w", err)
		}
		if !common.IsHexAddress(p.Wallet) {
			return nil, nil, fmt.Errorf("register: invalid wallet %q", p.Wallet)
		}
		data, err = c.abi.Pack("registerAgent", common.HexToAddress(p.Wallet))
	case MethodJoin:
		var p JoinParams
		if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
			return nil, nil, fmt.Errorf("decode join params: %w", err)
		}
		data, err = c.abi.Pack("enterDungeon", new(big.Int).SetUint64(p.DungeonID))
		value = new(big.Int).Set(entryBondWei)
	case MethodAction:
		var p ActionParams
		if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
			return nil, nil, fmt.Errorf("decode action params: %w", err)
		}
		data, err = c.abi.Pack("submitAction",
			new(big.Int).SetUint64(p.SessionID),
			new(big.Int).SetUint64(p.TurnIndex),
			p.Action)
	case MethodDMResponse:
		var p DMResponseParams
		if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
			return nil, nil, fmt.Errorf("decode dm response params: %w", err)
		}
		if !common.IsHexAddress(p.DM) {
			return nil, nil, fmt.Errorf("dm response: invalid dm address %q", p.DM)
		}
		actions := make([]dmActionTuple, 0, len(p.Actions))
		for _, a := range p.Actions {
			target := common.Address{}
			if a.Target != "" {
				if !common.IsHexAddress(a.Target) {
					return nil, nil, fmt.Errorf("dm response: invalid target %q", a.Target)
				}
				target = common.HexToAddress(a.Target)
			}
			actions = append(actions, dmActionTuple{
				ActionType: a.ActionType,
				Target:     target,
				Value:      new(big.Int).SetUint64(a.Value),
				Narrative:  a.Narrative,
			})
		}
		data, err = c.abi.Pack("submitDMResponse",
			new(big.Int).SetUint64(p.SessionID),
			new(big.Int).SetUint64(p.TurnIndex),
			p.Narrative,
			actions,
			common.HexToAddress(p.DM))
	case MethodAcceptDM:
		var p AcceptDMParams
		if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
			return nil, nil, fmt.Errorf("decode accept dm params: %w", err)
		}
		if !common.IsHexAddress(p.DM) {
			return nil, nil, fmt.Errorf("accept dm: invalid dm address %q", p.DM)
		}
		data, err = c.abi.Pack("acceptDM",
			new(big.Int).SetUint64(p.SessionID),
			new(big.Int).SetUint64(p.Epoch),
			common.HexToAddress(p.DM))
	default:
		return nil, nil, fmt.Errorf("unknown method %q", method)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return data, value, nil
}
