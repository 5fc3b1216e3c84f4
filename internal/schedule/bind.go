package schedule

import (
	"food-aps/internal/types"
)

// BindResources 为任务绑定具体的工人、设备和模具
// 工人：本线空闲工人优先，不足 MinWorkers 时由本线忙碌工人补足 (冲突检测会报告缺员)
// 设备/模具：本线空闲 > 共享空闲 > 本线任意
func BindResources(snap *types.Snapshot, t *types.ScheduleTask, equipmentTypes, moldTypes []string) {
	window := t.Window()
	line := snap.Lines[t.LineID]

	need := 0
	if line != nil {
		need = line.MinWorkers
	}
	busy := snap.BusyWorkers(window, t.ID)
	var free, occupied []string
	for _, w := range snap.LineWorkers(t.LineID) {
		if w.SkillLevel < t.RequiredSkillLevel {
			continue
		}
		if busy[w.ID] {
			occupied = append(occupied, w.ID)
		} else {
			free = append(free, w.ID)
		}
	}
	workers := append(free, occupied...)
	if len(workers) > need {
		workers = workers[:need]
	}
	t.Workers = workers

	t.Equipment = t.Equipment[:0]
	for _, typ := range equipmentTypes {
		units := snap.EquipmentOfType(typ, t.LineID)
		if len(units) == 0 {
			continue
		}
		chosen := units[0].ID
		for _, u := range units {
			if !snap.ResourceBusy(u.ID, window, t.ID, false) {
				chosen = u.ID
				break
			}
		}
		t.Equipment = append(t.Equipment, chosen)
	}

	t.Molds = t.Molds[:0]
	for _, typ := range moldTypes {
		units := snap.MoldsOfType(typ, t.LineID)
		if len(units) == 0 {
			continue
		}
		chosen := units[0].ID
		for _, u := range units {
			if !snap.ResourceBusy(u.ID, window, t.ID, true) {
				chosen = u.ID
				break
			}
		}
		t.Molds = append(t.Molds, chosen)
	}
}
