package docops

import (
	"fmt"

	"assigndoc/pkg/contract"
)

// Check 校验操作列表的偏移不变量（纯函数，无 I/O）：
//   - 每个 InsertText 恰好落在当前游标；
//   - 样式操作必须紧随某次插入，区间起点等于该插入起点且不越过其终点；
//   - finalCursor == 1 + 全部插入长度之和。
//
// 违例返回包装 contract.ErrInvariantViolation 的错误。
func Check(ops []contract.Operation, finalCursor int) error {
	cursor := contract.CursorStart
	lastStart, lastEnd := -1, -1
	for i, op := range ops {
		switch o := op.(type) {
		case contract.InsertText:
			if o.Index != cursor {
				return violation(i, "insert at %d, cursor at %d", o.Index, cursor)
			}
			n := Length(o.Text)
			if n == 0 {
				return violation(i, "empty insert at %d", o.Index)
			}
			lastStart, lastEnd = cursor, cursor+n
			cursor = lastEnd
		case contract.SetParagraphStyle:
			if err := checkRange(i, o.Start, o.End, lastStart, lastEnd); err != nil {
				return err
			}
		case contract.SetListBullets:
			if err := checkRange(i, o.Start, o.End, lastStart, lastEnd); err != nil {
				return err
			}
		case contract.SetTextStyle:
			if err := checkRange(i, o.Start, o.End, lastStart, lastEnd); err != nil {
				return err
			}
		default:
			return violation(i, "unsupported operation %T", op)
		}
	}
	if finalCursor != cursor {
		return fmt.Errorf("final cursor %d, inserted text ends at %d: %w", finalCursor, cursor, contract.ErrInvariantViolation)
	}
	return nil
}

func checkRange(i, start, end, lastStart, lastEnd int) error {
	if lastStart < 0 {
		return violation(i, "style range [%d,%d) before any insert", start, end)
	}
	if start != lastStart || end <= start || end > lastEnd {
		return violation(i, "style range [%d,%d) outside insert [%d,%d)", start, end, lastStart, lastEnd)
	}
	return nil
}

func violation(i int, format string, args ...any) error {
	return fmt.Errorf("op %d: %s: %w", i, fmt.Sprintf(format, args...), contract.ErrInvariantViolation)
}
