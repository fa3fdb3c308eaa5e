package cache

// Cost 是条目字节数的粗粒度分桶，内存层按桶计费而不是按精确字节。
type Cost int

const (
	CostNone         Cost = 0
	CostTiny         Cost = 1
	CostSmall        Cost = 2
	CostMedium       Cost = 4
	CostLarge        Cost = 8
	CostHuge         Cost = 16
	CostMassive      Cost = 32
	CostColossal     Cost = 64
	CostAstronomical Cost = 128
)

// costBase 是第一个非零桶的下界，之后每个桶翻倍。
const costBase = 25600

var costLadder = []Cost{
	CostTiny,
	CostSmall,
	CostMedium,
	CostLarge,
	CostHuge,
	CostMassive,
	CostColossal,
}

// CostForSize 返回 size 字节对应的桶。
func CostForSize(size int64) Cost {
	if size < costBase {
		return CostNone
	}
	bound := int64(costBase * 2)
	for _, cost := range costLadder {
		if size < bound {
			return cost
		}
		bound *= 2
	}
	return CostAstronomical
}
