package game

import (
	"encoding/binary"
	"math/rand/v2"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/park285/devasur-server/internal/domain"
	"github.com/park285/devasur-server/internal/rules"
)

// RoleSeed is keccak256(gameID), published so an assignment can be re-derived.
func RoleSeed(gameID string) common.Hash {
	return crypto.Keccak256Hash([]byte(strings.TrimSpace(gameID)))
}

// AssignRoles deals roles for players in join order. The result is aligned with players
// and depends only on gameID, the order of players and the preset.
func AssignRoles(gameID string, players []common.Address, preset rules.Preset) []domain.Role {
	n := len(players)
	out := make([]domain.Role, n)
	if n == 0 {
		return out
	}
	seed := RoleSeed(gameID)
	rng := rand.New(rand.NewPCG(binary.BigEndian.Uint64(seed[0:8]), binary.BigEndian.Uint64(seed[8:16])))
	order := rng.Perm(n)

	asur := preset.AsurCount(n)
	deva := preset.DevaCount
	if deva > n-asur {
		deva = n - asur
	}
	for i, idx := range order {
		switch {
		case i < asur:
			out[idx] = domain.RoleAsur
		case i < asur+deva:
			out[idx] = domain.RoleDeva
		default:
			out[idx] = domain.RoleManav
		}
	}
	return out
}

// Tally returns the single most-voted target. An exact tie at the top, or no votes,
// yields no result. voters fixes iteration order so the result is independent of map order.
func Tally(votes map[common.Address]common.Address, voters []common.Address) (common.Address, bool) {
	counts := make(map[common.Address]int)
	var order []common.Address
	for _, v := range voters {
		target, ok := votes[v]
		if !ok {
			continue
		}
		if _, seen := counts[target]; !seen {
			order = append(order, target)
		}
		counts[target]++
	}
	var best common.Address
	top, tied := 0, false
	for _, t := range order {
		switch c := counts[t]; {
		case c > top:
			best, top, tied = t, c, false
		case c == top:
			tied = true
		}
	}
	if top == 0 || tied {
		return common.Address{}, false
	}
	return best, true
}
