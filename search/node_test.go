package search

import (
	"testing"

	"github.com/matryer/is"

	"github.com/quetzal-engine/quetzal/common"
)

func TestChildrenTierGrowth(t *testing.T) {
	is := is.New(t)
	node := newSearchNode(common.White, common.Hash128{Hi: 1})

	const fullWidth = 100
	for i := 0; i < fullWidth; i++ {
		child := newSearchNode(common.Black, common.Hash128{Hi: uint64(i + 2)})
		node.appendChild(child, common.Loc(i), fullWidth)
	}

	children, capacity := node.Children()
	is.Equal(capacity, fullWidth)
	is.Equal(node.NumChildren(), fullWidth)

	// Every slot kept its move and child through the tier copies.
	for i := 0; i < fullWidth; i++ {
		is.Equal(children[i].MoveLoc(), common.Loc(i))
		is.True(children[i].Child() != nil)
		is.Equal(children[i].Child().Hash.Hi, uint64(i+2))
	}
}

func TestChildrenPublishOrder(t *testing.T) {
	is := is.New(t)
	node := newSearchNode(common.White, common.Hash128{Hi: 1})
	node.appendChild(newSearchNode(common.Black, common.Hash128{Hi: 2}), 4, 8)

	// A reader that sees a non-null move is guaranteed the child pointer.
	children, _ := node.Children()
	is.Equal(children[0].MoveLoc(), common.Loc(4))
	is.True(children[0].Child() != nil)
	is.Equal(children[1].MoveLoc(), common.NullLoc)

	is.True(node.findChild(4) != nil)
	is.True(node.findChild(5) == nil)
}

func TestEdgeVisitsSurviveGrowth(t *testing.T) {
	is := is.New(t)
	node := newSearchNode(common.White, common.Hash128{})

	node.appendChild(newSearchNode(common.Black, common.Hash128{Hi: 9}), 0, 80)
	node.findChild(0).addEdgeVisits(17)

	for i := 1; i < 70; i++ {
		node.appendChild(newSearchNode(common.Black, common.Hash128{Hi: uint64(i + 9)}), common.Loc(i), 80)
	}
	is.Equal(node.findChild(0).EdgeVisits(), int64(17))
}

func TestNodeTableCanonicalizes(t *testing.T) {
	is := is.New(t)
	table := NewNodeTable(3)

	a, created := table.GetOrCreate(common.Hash128{Hi: 5, Lo: 6}, common.White)
	is.True(created)
	b, created := table.GetOrCreate(common.Hash128{Hi: 5, Lo: 6}, common.White)
	is.True(!created)
	is.True(a == b)

	// Same hash, other player: a different node.
	c, created := table.GetOrCreate(common.Hash128{Hi: 5, Lo: 6}, common.Black)
	is.True(created)
	is.True(a != c)
	is.Equal(table.NumNodes(), 2)

	// PutIfAbsent returns the existing canonical node.
	dup := newSearchNode(common.White, common.Hash128{Hi: 5, Lo: 6})
	is.True(table.PutIfAbsent(dup) == a)

	table.Clear()
	is.Equal(table.NumNodes(), 0)
}

func TestVirtualLossAccounting(t *testing.T) {
	is := is.New(t)
	node := newSearchNode(common.White, common.Hash128{})
	node.addVirtualLosses(2.0)
	node.addVirtualLosses(1.0)
	is.Equal(node.VirtualLosses(), 3.0)
	node.addVirtualLosses(-3.0)
	is.Equal(node.VirtualLosses(), 0.0)
}
