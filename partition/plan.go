package partition

import (
	"sort"
)

// Move sends an owned entity to another partition. Rank is the process
// hosting that partition.
type Move struct {
	GlobalID int64
	IsNode   bool
	From, To int
	Rank     int
}

// MovePlan lists the owned entities whose partition changes; everything
// else stays.
type MovePlan struct {
	NumPartitions int
	Moves         map[int64]Move
}

func (p *MovePlan) Target(gid int64) (Move, bool) {
	mv, ok := p.Moves[gid]
	return mv, ok
}

// Sorted returns the moves ordered by global id.
func (p *MovePlan) Sorted() []Move {
	moves := make([]Move, 0, len(p.Moves))
	for _, mv := range p.Moves {
		moves = append(moves, mv)
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].GlobalID < moves[j].GlobalID })
	return moves
}

// MovePlan builds the plan from the last Partition.
func (e *Engine) MovePlan() (*MovePlan, error) {
	if e.assignment == nil {
		return nil, ErrNotPartitioned
	}
	plan := &MovePlan{NumPartitions: e.cfg.NumPartitions, Moves: make(map[int64]Move)}
	for i, v := range e.vertices {
		to := e.assignment[i]
		if to == v.part {
			continue
		}
		plan.Moves[v.gid] = Move{
			GlobalID: v.gid,
			IsNode:   v.isNode,
			From:     v.part,
			To:       to,
			Rank:     e.hash.ProcessOf(to),
		}
	}
	return plan, nil
}

// ShowChanges reports the pending moves without applying them.
func (e *Engine) ShowChanges() ([]Move, error) {
	plan, err := e.MovePlan()
	if err != nil {
		return nil, err
	}
	moves := plan.Sorted()
	var offRank int
	for _, mv := range moves {
		if mv.Rank != e.pc.Rank {
			offRank++
		}
		e.pc.Log.Debug().
			Int64("gid", mv.GlobalID).
			Bool("node", mv.IsNode).
			Int("from", mv.From).
			Int("to", mv.To).
			Int("toRank", mv.Rank).
			Msg("partition change")
	}
	e.pc.Log.Info().
		Int("changes", len(moves)).
		Int("offRank", offRank).
		Int("owned", len(e.vertices)).
		Msg("partition changes")
	return moves, nil
}
